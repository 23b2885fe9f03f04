package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/oidovnamnan/gatesim/internal/orders/ports"
	"github.com/oidovnamnan/gatesim/internal/qr"
)

// SMTPConfig holds the relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier emails an HTML confirmation with the activation QR code.
type SMTPNotifier struct {
	cfg  SMTPConfig
	auth smtp.Auth
	send sendFunc
}

func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPNotifier{cfg: cfg, auth: auth, send: smtp.SendMail}
}

var confirmationTemplate = template.Must(template.New("confirmation").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif">
<h2>Your eSIM is ready</h2>
<p>Order <strong>{{.OrderID}}</strong> · {{.Total}}</p>
<ul>
{{range .Items}}<li>{{.Name}}</li>
{{end}}</ul>
{{if .QRImage}}<p><img src="{{.QRImage}}" alt="eSIM activation QR code" width="256" height="256"></p>
{{end}}<p>Manual activation code:<br><code>{{.LPA}}</code></p>
<p>ICCID: {{.ICCID}}</p>
</body>
</html>
`))

type confirmationView struct {
	OrderID string
	Total   string
	Items   []struct{ Name string }
	QRImage template.URL
	LPA     string
	ICCID   string
}

func (n *SMTPNotifier) SendOrderConfirmation(ctx context.Context, msg ports.Confirmation) error {
	if strings.TrimSpace(msg.Email) == "" {
		return errors.New("confirmation has no recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := renderConfirmation(msg)
	if err != nil {
		return err
	}

	subject := mime.QEncoding.Encode("utf-8", fmt.Sprintf("Your eSIM for order %s", msg.OrderID))
	raw := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", n.cfg.From, msg.Email, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)

	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	if err := n.send(addr, n.auth, n.cfg.From, []string{msg.Email}, raw); err != nil {
		return fmt.Errorf("send confirmation for order %s: %w", msg.OrderID, err)
	}
	return nil
}

func renderConfirmation(msg ports.Confirmation) (string, error) {
	view := confirmationView{
		OrderID: msg.OrderID,
		Total:   fmt.Sprintf("%d %s", msg.TotalAmount, msg.Currency),
		LPA:     msg.ESIM.LPA,
		ICCID:   msg.ESIM.ICCID,
	}
	for _, item := range msg.Items {
		view.Items = append(view.Items, struct{ Name string }{item.Name})
	}
	if qr.IsDataURI(msg.ESIM.QRData) {
		view.QRImage = template.URL(msg.ESIM.QRData)
	}

	var buf bytes.Buffer
	if err := confirmationTemplate.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render confirmation: %w", err)
	}
	return buf.String(), nil
}
