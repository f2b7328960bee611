package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

type emailNotifier struct {
	host     string
	port     int
	from     string
	to       []string
	username string
	password string
}

func NewEmail(host string, port int, from, to, username, password string) (Notifier, error) {
	host = strings.TrimSpace(host)
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if host == "" {
		return nil, fmt.Errorf("config.smtp_host is required")
	}
	if port <= 0 {
		return nil, fmt.Errorf("config.smtp_port must be > 0")
	}
	if from == "" {
		return nil, fmt.Errorf("config.from is required")
	}
	if to == "" {
		return nil, fmt.Errorf("config.to is required")
	}

	recipients := splitRecipients(to)
	if len(recipients) == 0 {
		return nil, fmt.Errorf("config.to must include at least one recipient")
	}

	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if (username == "") != (password == "") {
		return nil, fmt.Errorf("config.username and config.password must be set together")
	}

	return &emailNotifier{
		host:     host,
		port:     port,
		from:     from,
		to:       recipients,
		username: username,
		password: password,
	}, nil
}

// Notify sends the report over a connection whose deadline comes from ctx,
// so a hung SMTP server cannot outlive the notify timeout.
func (e *emailNotifier) Notify(ctx context.Context, event Event) error {
	subject := fmt.Sprintf("[snapvault] %s: %s", event.Status, event.Database)
	body := buildEmailBody(event)
	msg := []byte(strings.Join([]string{
		"From: " + e.from,
		"To: " + strings.Join(e.to, ", "),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		body,
	}, "\r\n"))

	addr := e.host + ":" + strconv.Itoa(e.port)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(time.Minute))
	}

	c, err := smtp.NewClient(conn, e.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: e.host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if e.username != "" {
		auth := smtp.PlainAuth("", e.username, e.password, e.host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(e.from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range e.to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}

	return c.Quit()
}

func buildEmailBody(event Event) string {
	lines := []string{
		"Backup run " + event.Status,
		"",
		"database: " + event.Database,
		"engine: " + event.Engine,
		"duration: " + event.Duration,
	}
	if event.Artifact != "" {
		lines = append(lines,
			"artifact: "+event.Artifact,
			fmt.Sprintf("size: %.2f MB", float64(event.SizeBytes)/(1024*1024)),
		)
	}
	if event.Delivered != "" {
		lines = append(lines, "delivered: "+event.Delivered)
	}
	if len(event.Errors) > 0 {
		lines = append(lines, "", "errors:")
		for _, e := range event.Errors {
			lines = append(lines, "  - "+e)
		}
	}
	return strings.Join(lines, "\n")
}

func splitRecipients(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
