package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"mailqueue/internal/audit"
	"mailqueue/internal/email"
	"mailqueue/queue"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type emailRequest struct {
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	MaxRetries *int   `json:"maxRetries"`
}

type bulkRecipient struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type bulkRequest struct {
	Sender     string          `json:"sender"`
	Subject    string          `json:"subject"`
	Body       string          `json:"body"`
	MaxRetries *int            `json:"maxRetries"`
	Recipients []bulkRecipient `json:"recipients"`
}

type queuedEmail struct {
	Email  string `json:"email"`
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type failedEmail struct {
	Email   string `json:"email"`
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type queueStatusView struct {
	Pending        int    `json:"pending"`
	Processing     bool   `json:"processing"`
	InFlight       bool   `json:"inFlight"`
	TotalProcessed string `json:"totalProcessed"`
}

func statusView(st queue.Status) queueStatusView {
	total := "En proceso"
	if st.Pending == 0 {
		total = "Completado"
	}
	return queueStatusView{
		Pending:        st.Pending,
		Processing:     st.Draining,
		InFlight:       st.InFlight,
		TotalProcessed: total,
	}
}

func badRequest(c *gin.Context, msg string, err error) {
	resp := errorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	c.JSON(http.StatusBadRequest, resp)
}

// validateContent checks the fields every job needs besides the recipient.
func validateContent(sender, subject, body string) error {
	if sender != "" {
		if _, err := email.Parse(sender); err != nil {
			return fmt.Errorf("sender: %w", err)
		}
	}
	if strings.TrimSpace(subject) == "" {
		return errors.New("subject is required")
	}
	if strings.TrimSpace(body) == "" {
		return errors.New("body is required")
	}
	return nil
}

func (s *Server) enqueueEmail(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Cuerpo de la solicitud inválido", err)
		return
	}
	recipient, err := email.Normalize(req.Recipient)
	if err != nil {
		badRequest(c, "Destinatario inválido", err)
		return
	}
	if err := validateContent(req.Sender, req.Subject, req.Body); err != nil {
		badRequest(c, "Datos del email incompletos", err)
		return
	}

	id := s.queue.Enqueue(queue.Request{
		Sender:     strings.TrimSpace(req.Sender),
		Recipient:  recipient,
		Subject:    req.Subject,
		Body:       req.Body,
		MaxRetries: req.MaxRetries,
	})
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"jobId":   id,
	})
}

// personalize substitutes the {{name}} placeholder.
func personalize(text, name string) string {
	return strings.ReplaceAll(text, "{{name}}", name)
}

func (s *Server) enqueueBulk(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Cuerpo de la solicitud inválido", err)
		return
	}
	if len(req.Recipients) == 0 {
		badRequest(c, "Se requiere al menos un destinatario", nil)
		return
	}
	if err := validateContent(req.Sender, req.Subject, req.Body); err != nil {
		badRequest(c, "Datos del email incompletos", err)
		return
	}

	queued := make([]queuedEmail, 0, len(req.Recipients))
	failed := make([]failedEmail, 0)
	for _, r := range req.Recipients {
		recipient, err := email.Normalize(r.Email)
		if err != nil {
			failed = append(failed, failedEmail{Email: r.Email, Error: err.Error()})
			continue
		}
		id := s.queue.Enqueue(queue.Request{
			Sender:     strings.TrimSpace(req.Sender),
			Recipient:  recipient,
			Subject:    personalize(req.Subject, r.Name),
			Body:       personalize(req.Body, r.Name),
			MaxRetries: req.MaxRetries,
		})
		queued = append(queued, queuedEmail{Email: recipient, JobID: id, Status: "queued"})
	}

	s.log.Infow("Bulk enqueue", "queued", len(queued), "failed", len(failed))
	audit.Log("emails.bulk", "client", c.ClientIP(), "queued", len(queued), "failed", len(failed))

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": fmt.Sprintf("Emails agregados a la cola: %d emails", len(queued)),
		"results": gin.H{
			"queued": queued,
			"failed": failed,
		},
		"summary": gin.H{
			"total":       len(req.Recipients),
			"queued":      len(queued),
			"failed":      len(failed),
			"queueStatus": statusView(s.queue.Status()),
		},
	})
}

func (s *Server) getQueueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"queueStatus": statusView(s.queue.Status()),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"environment": gin.H{
			"transport": s.opts.Transport,
		},
	})
}

type queueAction struct {
	Action string `json:"action"`
}

func (s *Server) postQueueStatus(c *gin.Context) {
	var req queueAction
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Cuerpo de la solicitud inválido", err)
		return
	}

	switch req.Action {
	case "clear":
		if !s.requireAdmin(c) {
			return
		}
		cleared := s.queue.Clear()
		audit.Log("queue.clear", "client", c.ClientIP(), "cleared", cleared)
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Cola de emails limpiada",
			"cleared": cleared,
		})
	case "status":
		c.JSON(http.StatusOK, gin.H{
			"success":     true,
			"queueStatus": statusView(s.queue.Status()),
		})
	default:
		badRequest(c, `Acción no válida. Usa "clear" o "status"`, nil)
	}
}
