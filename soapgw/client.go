package soapgw

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cenkalti/backoff/v4"

	"github.com/axonhealth/claimsink/safeio"
)

// Client calls the DHPO web services for one or more facility accounts.
type Client struct {
	config  Config
	http    *http.Client
	logger  *slog.Logger
	breaker *Breaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBreaker sets a shared per-endpoint breaker.
func WithBreaker(b *Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// New creates a DHPO client.
func New(cfg Config, opts ...Option) *Client {
	cfg.defaults()
	c := &Client{
		config:  cfg,
		logger:  slog.Default(),
		breaker: NewBreaker(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.timeout()}
	}
	return c
}

// GetNewTransactions lists the account's pending transactions (delta poll).
func (c *Client) GetNewTransactions(ctx context.Context, acct Account) ([]TransactionFile, error) {
	const op = "GetNewTransactions"
	fields, err := c.call(ctx, acct, op, []param{
		{"login", acct.Login},
		{"pwd", acct.Password},
	}, op+"Result", "xmlTransaction", "errorMessage")
	if err != nil {
		return nil, err
	}
	if err := c.checkResult(op, fields, op+"Result"); err != nil {
		return nil, err
	}
	return c.decodeFileList(fields["xmlTransaction"])
}

// SearchTransactions lists transactions matching the query (search poll,
// the safety net behind the delta poll).
func (c *Client) SearchTransactions(ctx context.Context, acct Account, q SearchQuery) ([]TransactionFile, error) {
	const op = "SearchTransactions"
	fields, err := c.call(ctx, acct, op, []param{
		{"login", acct.Login},
		{"pwd", acct.Password},
		{"direction", strconv.Itoa(q.Direction)},
		{"callerLicense", acct.Login},
		{"ePayerLicense", ""},
		{"transactionID", strconv.Itoa(q.TransactionID)},
		{"transactionStatus", strconv.Itoa(q.Status)},
		{"transactionFileName", ""},
		{"transactionFromDate", q.FromDate},
		{"transactionToDate", q.ToDate},
		{"minRecordCount", ""},
		{"maxRecordCount", ""},
		{"pageIndex", strconv.Itoa(q.PageIndex)},
		{"pageSize", strconv.Itoa(q.PageSize)},
	}, op+"Result", "foundTransactions", "errorMessage")
	if err != nil {
		return nil, err
	}
	if err := c.checkResult(op, fields, op+"Result"); err != nil {
		return nil, err
	}
	return c.decodeFileList(fields["foundTransactions"])
}

// DownloadTransactionFile fetches one transaction's raw XML bytes.
func (c *Client) DownloadTransactionFile(ctx context.Context, acct Account, fileID string) (fileName string, data []byte, err error) {
	const op = "DownloadTransactionFile"
	fields, err := c.call(ctx, acct, op, []param{
		{"login", acct.Login},
		{"pwd", acct.Password},
		{"fileId", fileID},
	}, op+"Result", "file", "fileName", "errorMessage")
	if err != nil {
		return "", nil, err
	}
	if err := c.checkResult(op, fields, op+"Result"); err != nil {
		return "", nil, err
	}
	data, err = base64.StdEncoding.DecodeString(fields["file"])
	if err != nil {
		return "", nil, fmt.Errorf("dhpo %s %s: decode file: %w", op, fileID, err)
	}
	return fields["fileName"], data, nil
}

// SetTransactionDownloaded acknowledges a transaction so the portal stops
// listing it. Called only after the file is verified persisted.
func (c *Client) SetTransactionDownloaded(ctx context.Context, acct Account, fileID string) error {
	const op = "SetTransactionDownloaded"
	fields, err := c.call(ctx, acct, op, []param{
		{"login", acct.Login},
		{"pwd", acct.Password},
		{"fileId", fileID},
	}, op+"Result", "errorMessage")
	if err != nil {
		return err
	}
	return c.checkResult(op, fields, op+"Result")
}

// call performs one SOAP round trip with breaker gating and transport-level
// retry. Portal result codes are not interpreted here except -4, which is
// surfaced for one retry by checkResult's caller loop.
func (c *Client) call(ctx context.Context, acct Account, op string, params []param, wanted ...string) (map[string]string, error) {
	if !c.breaker.Allow(acct.Endpoint) {
		return nil, &ErrEndpointOpen{Endpoint: acct.Endpoint}
	}

	envelope := buildEnvelope(c.config.SOAPVersion, op, params)

	var fields map[string]string
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.config.retryMaxElapsed()

	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, acct.Endpoint, bytes.NewReader(envelope))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType(c.config.SOAPVersion, op))
		if c.config.SOAPVersion != "1.2" {
			req.Header.Set("SOAPAction", fmt.Sprintf("%q", Namespace+op))
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			c.logger.WarnContext(ctx, "dhpo transport error, retrying",
				"operation", op, "endpoint", acct.Endpoint, "error", err)
			return err
		}
		defer resp.Body.Close()

		body, err := safeio.LimitedReadAll(resp.Body, safeio.MaxResponseBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("dhpo %s: read response: %w", op, err))
		}
		if resp.StatusCode >= 500 {
			c.logger.WarnContext(ctx, "dhpo server error, retrying",
				"operation", op, "status", resp.StatusCode)
			return fmt.Errorf("dhpo %s: http %d", op, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("dhpo %s: http %d", op, resp.StatusCode))
		}

		fields, err = parseEnvelope(bytes.NewReader(body), wanted...)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))

	if err != nil {
		c.breaker.RecordFailure(acct.Endpoint)
		return nil, err
	}
	c.breaker.RecordSuccess(acct.Endpoint)
	return fields, nil
}

// checkResult maps a negative portal result onto ResultError.
func (c *Client) checkResult(op string, fields map[string]string, resultField string) error {
	code, err := resultCode(fields, resultField)
	if err != nil {
		return err
	}
	if code >= 0 {
		return nil
	}
	return &ResultError{Op: op, Code: code, Message: fields["errorMessage"]}
}

// decodeFileList handles both base64-wrapped and plain XML transaction
// lists; the portal has produced both over time.
func (c *Client) decodeFileList(payload string) ([]TransactionFile, error) {
	if payload == "" {
		return nil, nil
	}
	raw := []byte(payload)
	if decoded, err := base64.StdEncoding.DecodeString(payload); err == nil {
		raw = decoded
	}
	return parseFileList(raw)
}

// CallWithTransientRetry invokes fn and repeats it exactly once when the
// portal answered with its transient result code.
func CallWithTransientRetry(fn func() error) error {
	err := fn()
	var re *ResultError
	if errors.As(err, &re) && re.Transient() {
		return fn()
	}
	return err
}
