// Package soapgw is the DHPO web-service client: SOAP 1.1/1.2 envelopes over
// HTTP with transient-error retry and a per-endpoint circuit breaker.
//
// All operations return the portal's integer result code through ResultError
// when negative. Code -4 is the portal's transient fault and is retried once;
// every other negative code is terminal for the call.
package soapgw

import (
	"fmt"
	"time"
)

// DHPO service namespace.
const Namespace = "http://www.eClaimLink.ae/"

// Portal result codes. Non-negative codes are success (positive values carry
// the transaction count where the operation returns one).
const (
	// ResultTransient is the portal's "temporary failure, try again" code.
	ResultTransient = -4
)

// Account is one facility's DHPO endpoint and credentials (already
// decrypted).
type Account struct {
	Endpoint string
	Login    string
	Password string
}

// TransactionFile is one pending transaction in a portal file list.
type TransactionFile struct {
	FileID          string
	FileName        string
	SenderID        string
	ReceiverID      string
	TransactionDate string
	RecordCount     int
}

// SearchQuery narrows a SearchTransactions call. Zero fields are sent empty
// and ignored by the portal.
type SearchQuery struct {
	TransactionID int    // transaction type (2 = remittance, 8 = PBM)
	Direction     int    // 1 = payer to provider, 2 = provider to payer
	FromDate      string // dd/MM/yyyy
	ToDate        string // dd/MM/yyyy
	Status        int    // 1 = new only
	PageIndex     int
	PageSize      int
}

// ResultError is a negative portal result code with the portal's message.
type ResultError struct {
	Op      string
	Code    int
	Message string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("dhpo %s: result %d: %s", e.Op, e.Code, e.Message)
}

// Transient reports whether the portal asked for a retry.
func (e *ResultError) Transient() bool { return e.Code == ResultTransient }

// Config is the soapgw client configuration.
type Config struct {
	// SOAPVersion selects the envelope dialect: "1.1" or "1.2".
	SOAPVersion string `yaml:"soap_version"`
	// TimeoutMs bounds a single HTTP call. Default 30000.
	TimeoutMs int64 `yaml:"timeout_ms"`
	// RetryMaxElapsedMs bounds total transport retry time per operation.
	// Default 60000.
	RetryMaxElapsedMs int64 `yaml:"retry_max_elapsed_ms"`
}

func (c *Config) defaults() {
	if c.SOAPVersion == "" {
		c.SOAPVersion = "1.1"
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = 30_000
	}
	if c.RetryMaxElapsedMs <= 0 {
		c.RetryMaxElapsedMs = 60_000
	}
}

func (c *Config) timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c *Config) retryMaxElapsed() time.Duration {
	return time.Duration(c.RetryMaxElapsedMs) * time.Millisecond
}
