package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/shaiso/loom/internal/domain"
)

// Payload — тело webhook.
type Payload struct {
	Message    string `json:"message"`
	RunUUID    string `json:"run_uuid"`
	RunName    string `json:"run_name"`
	RunStatus  string `json:"run_status"`
	RunURL     string `json:"run_url"`
	RunAPIURL  string `json:"run_api_url"`
	ServerName string `json:"server_name"`
	ServerURL  string `json:"server_url"`
}

// Message — уведомление об одном run.
type Message struct {
	Subject string
	Text    string
	Payload Payload
}

var emailBody = template.Must(template.New("email").Funcs(sprig.TxtFuncMap()).Parse(
	`Loom run {{ .RunName }}@{{ .RunUUID | trunc 8 }} is {{ .RunStatus | lower }}.

Run:    {{ .RunURL }}
API:    {{ .RunAPIURL }}
Server: {{ .ServerName }} ({{ .ServerURL }})
`))

// Build собирает уведомление для run.
func Build(run *domain.Run, serverName, serverURL string) (Message, error) {
	serverURL = strings.TrimRight(serverURL, "/")
	id := run.ID.String()
	status := run.Status.Label()
	nameAndID := fmt.Sprintf("%s@%s", run.Name, id[:8])

	p := Payload{
		Message:    fmt.Sprintf("Loom run %s is %s", nameAndID, status),
		RunUUID:    id,
		RunName:    run.Name,
		RunStatus:  status,
		RunURL:     fmt.Sprintf("%s/#/runs/%s/", serverURL, id),
		RunAPIURL:  fmt.Sprintf("%s/api/runs/%s/", serverURL, id),
		ServerName: serverName,
		ServerURL:  serverURL,
	}

	var buf bytes.Buffer
	if err := emailBody.Execute(&buf, p); err != nil {
		return Message{}, fmt.Errorf("render email: %w", err)
	}

	return Message{
		Subject: fmt.Sprintf("Loom run %s is %s", nameAndID, strings.ToLower(status)),
		Text:    buf.String(),
		Payload: p,
	}, nil
}

// Partition делит адреса на email и URL. Пустые и повторные адреса
// отбрасываются.
func Partition(addresses []string) (emails, urls []string) {
	seen := make(map[string]bool, len(addresses))
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		if strings.Contains(addr, "@") {
			emails = append(emails, addr)
		} else {
			urls = append(urls, addr)
		}
	}
	return emails, urls
}
