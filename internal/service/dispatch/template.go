package dispatch

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/offermail/internal/domain"
)

// Default templates used when a client has none configured.
const (
	DefaultSubject = `{{ offer.title }} - {{ client.name }}`
	DefaultBody    = `<p>Hello,</p>
<p>I saw your opening for <strong>{{ offer.title }}</strong>{% if offer.city != "" %} in {{ offer.city }}{% endif %} and would like to apply.</p>
<p>Best regards,<br>{{ client.name }}</p>`
)

// Renderer renders client subject and body templates with Liquid. Parsed
// templates are cached by content hash.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map
}

// NewRenderer creates a renderer with the offer-specific filters.
func NewRenderer() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}
	r.engine.RegisterFilter("first_word", func(s string) string {
		if f := strings.Fields(s); len(f) > 0 {
			return f[0]
		}
		return ""
	})
	return r
}

// Bindings returns the template variables for client and offer.
func Bindings(client *domain.Client, offer *domain.JobOffer) map[string]interface{} {
	return map[string]interface{}{
		"client": map[string]interface{}{
			"name":      client.Name,
			"job_title": client.JobTitle,
			"email":     client.MailboxAddress(),
		},
		"offer": map[string]interface{}{
			"title":    offer.Title,
			"city":     offer.City,
			"country":  offer.Country,
			"location": offer.Location,
			"link":     offer.Link,
			"email":    offer.Email,
		},
	}
}

// Render returns the subject and HTML body for one send.
func (r *Renderer) Render(client *domain.Client, offer *domain.JobOffer) (subject, body string, err error) {
	bindings := Bindings(client, offer)
	subjectTpl := client.SubjectTemplate
	if strings.TrimSpace(subjectTpl) == "" {
		subjectTpl = DefaultSubject
	}
	bodyTpl := client.BodyTemplate
	if strings.TrimSpace(bodyTpl) == "" {
		bodyTpl = DefaultBody
	}
	if subject, err = r.render(subjectTpl, bindings); err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}
	if body, err = r.render(bodyTpl, bindings); err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return strings.TrimSpace(subject), body, nil
}

// Validate parses src and reports syntax errors.
func (r *Renderer) Validate(src string) error {
	_, err := r.parse(src)
	return err
}

func (r *Renderer) render(src string, bindings map[string]interface{}) (string, error) {
	tpl, err := r.parse(src)
	if err != nil {
		return "", err
	}
	out, serr := tpl.RenderString(bindings)
	if serr != nil {
		return "", serr
	}
	return out, nil
}

func (r *Renderer) parse(src string) (*liquid.Template, error) {
	sum := sha1.Sum([]byte(src))
	key := hex.EncodeToString(sum[:])
	if cached, ok := r.cache.Load(key); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, serr := r.engine.ParseString(src)
	if serr != nil {
		return nil, serr
	}
	r.cache.Store(key, tpl)
	return tpl, nil
}
