// Package crm reads client CRM attributes from Azure Table Storage and
// caches them in Redis.
package crm

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ignite/offermail/internal/domain"
	"github.com/ignite/offermail/internal/pkg/httpretry"
)

// TableConfig locates the CRM table.
type TableConfig struct {
	ConnectionString string
	TableName        string
	PartitionKey     string
	StatusField      string
	ReasonField      string
	// Endpoint overrides the table service URL (tests, emulators).
	Endpoint string
}

// TableSource implements sending.CRMSource with point queries against an
// Azure Table keyed by (PartitionKey, RowKey = client id).
type TableSource struct {
	account string
	key     []byte
	baseURL string
	cfg     TableConfig
	http    httpretry.Doer
	now     func() time.Time
}

// NewTableSource parses the connection string and builds the source. A nil
// doer uses a retrying client.
func NewTableSource(cfg TableConfig, doer httpretry.Doer) (*TableSource, error) {
	parts := parseConnectionString(cfg.ConnectionString)
	account, rawKey := parts["AccountName"], parts["AccountKey"]
	if account == "" || rawKey == "" {
		return nil, errors.New("crm: connection string missing AccountName or AccountKey")
	}
	key, err := base64.StdEncoding.DecodeString(rawKey)
	if err != nil {
		return nil, fmt.Errorf("crm: decode account key: %w", err)
	}
	if cfg.TableName == "" {
		cfg.TableName = "clients"
	}
	if cfg.PartitionKey == "" {
		cfg.PartitionKey = "client"
	}
	if cfg.StatusField == "" {
		cfg.StatusField = "Status"
	}
	if cfg.ReasonField == "" {
		cfg.ReasonField = "CloseReason"
	}
	base := strings.TrimRight(cfg.Endpoint, "/")
	if base == "" {
		suffix := parts["EndpointSuffix"]
		if suffix == "" {
			suffix = "core.windows.net"
		}
		base = fmt.Sprintf("https://%s.table.%s", account, suffix)
	}
	if doer == nil {
		doer = httpretry.New(nil, 2)
	}
	return &TableSource{account: account, key: key, baseURL: base, cfg: cfg, http: doer, now: time.Now}, nil
}

// Attributes returns the client's CRM status and close reason. A client
// missing from the table has empty attributes.
func (s *TableSource) Attributes(ctx context.Context, clientID string) (domain.CRMAttributes, error) {
	resource := fmt.Sprintf("%s(PartitionKey='%s',RowKey='%s')",
		s.cfg.TableName, keyLiteral(s.cfg.PartitionKey), keyLiteral(clientID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/"+resource, nil)
	if err != nil {
		return domain.CRMAttributes{}, fmt.Errorf("crm: build request: %w", err)
	}

	date := s.now().UTC().Format(http.TimeFormat)
	req.Header.Set("x-ms-date", date)
	req.Header.Set("x-ms-version", "2019-02-02")
	req.Header.Set("Accept", "application/json;odata=nometadata")
	req.Header.Set("DataServiceVersion", "3.0;NetFx")
	req.Header.Set("Authorization", s.authorization(http.MethodGet, date, resource))

	resp, err := s.http.Do(req)
	if err != nil {
		return domain.CRMAttributes{}, fmt.Errorf("crm: query %s: %w", clientID, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.CRMAttributes{}, fmt.Errorf("crm: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.CRMAttributes{}, nil
	case resp.StatusCode != http.StatusOK:
		return domain.CRMAttributes{}, fmt.Errorf("crm: query %s: %s: %s", clientID, resp.Status, truncate(string(body), 200))
	}

	var entity map[string]any
	if err := json.Unmarshal(body, &entity); err != nil {
		return domain.CRMAttributes{}, fmt.Errorf("crm: parse entity: %w", err)
	}
	status, _ := entity[s.cfg.StatusField].(string)
	reason, _ := entity[s.cfg.ReasonField].(string)
	return domain.CRMAttributes{Status: status, CloseReason: reason}, nil
}

// authorization builds the SharedKey header. Only the resource path is
// canonicalized for the Table service.
func (s *TableSource) authorization(method, date, resource string) string {
	stringToSign := fmt.Sprintf("%s\n\n\n%s\n/%s/%s", method, date, s.account, resource)
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(stringToSign))
	return fmt.Sprintf("SharedKey %s:%s", s.account, base64.StdEncoding.EncodeToString(h.Sum(nil)))
}

func parseConnectionString(cs string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(cs, ";") {
		if k, v, ok := strings.Cut(part, "="); ok && k != "" {
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return out
}

// keyLiteral escapes a key for use inside an OData string literal in the
// request path.
func keyLiteral(k string) string {
	return url.PathEscape(strings.ReplaceAll(k, "'", "''"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
