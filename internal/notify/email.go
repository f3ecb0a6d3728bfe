package notify

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/lyjw131/amdl/internal/domain"
)

const (
	smtpDialTimeout = 20 * time.Second
	senderName      = "AMDL下载通知"
)

// SendSummaries groups terminal tasks by user and emails each user one
// digest. Users without email notifications enabled are skipped. Returns the
// set of task UUIDs that were covered by a successfully sent email.
func (n *Notifier) SendSummaries(tasks []*domain.Task) map[string]bool {
	sent := make(map[string]bool)
	if n.smtp.Server == "" || n.smtp.Username == "" {
		return sent
	}

	byUser := make(map[string][]*domain.Task)
	for _, task := range tasks {
		if !task.IsTerminal() {
			continue
		}
		byUser[task.User] = append(byUser[task.User], task)
	}

	for name, userTasks := range byUser {
		user, err := n.users.Get(name)
		if err != nil || !user.EnableEmailNotification || len(user.Email) == 0 {
			continue
		}
		subject, body := buildSummary(userTasks)
		// The first configured address is the notification target.
		if err := n.sendMail(user.Email[0], subject, body); err != nil {
			slog.Error("summary email failed", "user", name, "error", err)
			continue
		}
		slog.Info("summary email sent", "user", name, "tasks", len(userTasks))
		for _, task := range userTasks {
			sent[task.UUID] = true
		}
	}
	return sent
}

func buildSummary(tasks []*domain.Task) (subject, body string) {
	var ok, failed []*domain.Task
	for _, task := range tasks {
		if task.Status == domain.StatusFinish {
			ok = append(ok, task)
		} else {
			failed = append(failed, task)
		}
	}

	subject = fmt.Sprintf("下载汇总: %d 成功, %d 失败", len(ok), len(failed))

	var b strings.Builder
	if len(ok) > 0 {
		b.WriteString("下载成功:\n")
		for _, task := range ok {
			fmt.Fprintf(&b, "- %s「%s」 用时 %s\n",
				task.TypeNameZH(), task.DisplayName(), domain.FormatDurationZH(task.Elapsed()))
		}
	}
	if len(failed) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("下载失败:\n")
		for _, task := range failed {
			reason := task.ErrorReason
			if reason == "" {
				reason = "未知原因"
			}
			fmt.Fprintf(&b, "- %s「%s」: %s\n", task.TypeNameZH(), task.DisplayName(), reason)
		}
	}
	return subject, b.String()
}

func (n *Notifier) sendMail(to string, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", n.smtp.Server, n.smtp.Port)

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s <%s>\r\n", mime.BEncoding.Encode("UTF-8", senderName), n.smtp.Username)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.BEncoding.Encode("UTF-8", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	client, err := n.smtpClient(addr)
	if err != nil {
		return fmt.Errorf("connecting to smtp server: %w", err)
	}
	defer client.Close()

	auth := smtp.PlainAuth("", n.smtp.Username, n.smtp.Password, n.smtp.Server)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := client.Mail(n.smtp.Username); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt %s: %w", to, err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write([]byte(msg.String())); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finishing message: %w", err)
	}
	return client.Quit()
}

// smtpClient dials with the transport security the port implies: implicit
// TLS on 465, STARTTLS on 587, plaintext otherwise.
func (n *Notifier) smtpClient(addr string) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: smtpDialTimeout}

	if n.smtp.Port == 465 {
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: n.smtp.Server})
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn, n.smtp.Server)
	}

	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	client, err := smtp.NewClient(conn, n.smtp.Server)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if n.smtp.Port == 587 {
		if err := client.StartTLS(&tls.Config{ServerName: n.smtp.Server}); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}
