// Package fetchdhpo polls the DHPO portal for pending transaction files and
// feeds them to the pipeline: decrypt the facility's credentials, list
// pending transactions (delta poll plus a long-window search poll as the
// safety net), download, stage, submit, and acknowledge after a clean
// verify.
//
// One poll cycle runs per facility at a time (single flight); a facility
// whose credentials fail to decrypt is skipped for the cycle and the error
// recorded, so one bad key never stalls the fleet.
package fetchdhpo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/axonhealth/claimsink/ame"
	"github.com/axonhealth/claimsink/claimsdb"
	"github.com/axonhealth/claimsink/pipeline"
	"github.com/axonhealth/claimsink/soapgw"
	"github.com/axonhealth/claimsink/staging"
)

// Source is stamped on files registered by this coordinator.
const Source = "dhpo"

// Search poll transaction pairs: (transaction type, direction). Type 2 is
// remittance advice payer-to-provider, type 8 PBM provider-to-payer.
var searchPairs = [][2]int{{2, 1}, {8, 2}}

// Config controls the poll cadence and search window.
type Config struct {
	// PollIntervalMs between cycles. Default 60000.
	PollIntervalMs int64 `yaml:"poll_interval_ms"`
	// SearchLookbackDays bounds the search poll window. Default 100.
	SearchLookbackDays int `yaml:"search_lookback_days"`
	// SearchPageSize caps one search page. Default 100.
	SearchPageSize int `yaml:"search_page_size"`
}

func (c *Config) defaults() {
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = 60_000
	}
	if c.SearchLookbackDays <= 0 {
		c.SearchLookbackDays = 100
	}
	if c.SearchPageSize <= 0 {
		c.SearchPageSize = 100
	}
}

// Coordinator drives the per-facility poll cycles.
type Coordinator struct {
	config   Config
	store    *claimsdb.Store
	keystore *ame.Keystore
	soap     *soapgw.Client
	stager   *staging.Stager
	orch     *pipeline.Orchestrator
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]bool   // facility code -> cycle running
	registry map[string]string // file id -> facility code
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock injects a clock for tests.
func WithClock(fn func() time.Time) Option {
	return func(c *Coordinator) { c.now = fn }
}

// New creates a Coordinator.
func New(cfg Config, store *claimsdb.Store, ks *ame.Keystore, soap *soapgw.Client, stager *staging.Stager, orch *pipeline.Orchestrator, opts ...Option) *Coordinator {
	cfg.defaults()
	c := &Coordinator{
		config:   cfg,
		store:    store,
		keystore: ks,
		soap:     soap,
		stager:   stager,
		orch:     orch,
		logger:   slog.Default(),
		now:      time.Now,
		inflight: make(map[string]bool),
		registry: make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run polls until ctx is cancelled. Blocking.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(c.config.PollIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	c.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Cycle(ctx)
		}
	}
}

// Cycle runs one poll pass over all active facilities.
func (c *Coordinator) Cycle(ctx context.Context) {
	deltaOn, err := c.store.ToggleEnabled(ctx, claimsdb.ToggleDeltaPoll)
	if err != nil {
		c.logger.ErrorContext(ctx, "toggle read failed", "error", err)
		return
	}
	searchOn, err := c.store.ToggleEnabled(ctx, claimsdb.ToggleSearchPoll)
	if err != nil {
		c.logger.ErrorContext(ctx, "toggle read failed", "error", err)
		return
	}
	if !deltaOn && !searchOn {
		return
	}

	facilities, err := c.store.ListActiveFacilities(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "facility list failed", "error", err)
		return
	}
	for _, f := range facilities {
		c.pollFacility(ctx, f, deltaOn, searchOn)
	}
}

// pollFacility runs one facility's cycle under the single-flight guard.
func (c *Coordinator) pollFacility(ctx context.Context, f *claimsdb.Facility, deltaOn, searchOn bool) {
	c.mu.Lock()
	if c.inflight[f.Code] {
		c.mu.Unlock()
		return
	}
	c.inflight[f.Code] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, f.Code)
		c.mu.Unlock()
	}()

	acct, err := c.account(f)
	if err != nil {
		c.logger.ErrorContext(ctx, "credential decrypt failed, skipping facility",
			"facility", f.Code, "error", err)
		c.store.LogError(ctx, claimsdb.IngestionError{
			Stage:      claimsdb.StageCrypto,
			ObjectType: "facility",
			ObjectKey:  f.Code,
			Code:       "CREDENTIAL_DECRYPT_FAILED",
			Message:    err.Error(),
			Retryable:  true,
		})
		return
	}

	var listed []soapgw.TransactionFile
	if deltaOn {
		files, err := c.listDelta(ctx, acct)
		if err != nil {
			c.logTransport(ctx, f.Code, "GetNewTransactions", err)
		} else {
			listed = append(listed, files...)
		}
	}
	if searchOn {
		files, err := c.listSearch(ctx, acct)
		if err != nil {
			c.logTransport(ctx, f.Code, "SearchTransactions", err)
		} else {
			listed = append(listed, files...)
		}
	}

	for _, tf := range listed {
		c.handleFile(ctx, f.Code, acct, tf)
	}
}

// account decrypts the facility's stored credentials.
func (c *Coordinator) account(f *claimsdb.Facility) (soapgw.Account, error) {
	login, pwd, err := c.keystore.Open(ame.CredentialRecord{
		FacilityCode: f.Code,
		LoginCipher:  f.LoginCipher,
		PwdCipher:    f.PwdCipher,
		Meta:         f.CryptoMeta,
	})
	if err != nil {
		return soapgw.Account{}, err
	}
	return soapgw.Account{Endpoint: f.EndpointURL, Login: login, Password: pwd}, nil
}

func (c *Coordinator) listDelta(ctx context.Context, acct soapgw.Account) ([]soapgw.TransactionFile, error) {
	var files []soapgw.TransactionFile
	err := soapgw.CallWithTransientRetry(func() error {
		var err error
		files, err = c.soap.GetNewTransactions(ctx, acct)
		return err
	})
	return files, err
}

// listSearch sweeps the lookback window for both transaction pairs. It
// catches transactions the delta poll lost (portal-side resets, missed
// acks on our side).
func (c *Coordinator) listSearch(ctx context.Context, acct soapgw.Account) ([]soapgw.TransactionFile, error) {
	to := c.now()
	from := to.AddDate(0, 0, -c.config.SearchLookbackDays)

	var all []soapgw.TransactionFile
	for _, pair := range searchPairs {
		q := soapgw.SearchQuery{
			TransactionID: pair[0],
			Direction:     pair[1],
			FromDate:      from.Format("02/01/2006"),
			ToDate:        to.Format("02/01/2006"),
			Status:        1, // new only
			PageSize:      c.config.SearchPageSize,
		}
		var files []soapgw.TransactionFile
		err := soapgw.CallWithTransientRetry(func() error {
			var err error
			files, err = c.soap.SearchTransactions(ctx, acct, q)
			return err
		})
		if err != nil {
			return all, err
		}
		all = append(all, files...)
	}
	return all, nil
}

// handleFile downloads, stages and submits one listed transaction.
func (c *Coordinator) handleFile(ctx context.Context, facilityCode string, acct soapgw.Account, tf soapgw.TransactionFile) {
	if tf.FileID == "" {
		return
	}

	// Memoize which facility a file id belongs to; acks route through it.
	c.mu.Lock()
	seen := c.registry[tf.FileID] != ""
	c.registry[tf.FileID] = facilityCode
	c.mu.Unlock()

	row, err := c.store.GetFileByExternalID(ctx, tf.FileID)
	if err != nil {
		c.logger.ErrorContext(ctx, "file lookup failed", "file_id", tf.FileID, "error", err)
		c.forget(tf.FileID)
		return
	}

	// Already verified: the portal still lists the file, so the ack was
	// lost or toggled off. Repeat it, and forget the id unless the ack
	// lands so a later cycle keeps trying.
	if row != nil && row.Verified {
		if seen {
			return // delta and search polls often list the same file
		}
		acker := c.acker(ctx, acct)
		if acker == nil {
			c.forget(tf.FileID)
			return
		}
		if err := acker.AckFile(ctx, tf.FileID); err != nil {
			c.logTransport(ctx, facilityCode, "SetTransactionDownloaded", err)
			c.forget(tf.FileID)
		}
		return
	}

	if seen {
		return // the first listing's download is already in flight
	}

	start := c.now()
	serverName, data, err := c.soap.DownloadTransactionFile(ctx, acct, tf.FileID)
	if err != nil {
		c.logTransport(ctx, facilityCode, "DownloadTransactionFile", err)
		return
	}
	if serverName == "" {
		serverName = tf.FileName
	}
	staged, err := c.stager.Stage(serverName, data, c.now().Sub(start))
	if err != nil {
		c.logger.ErrorContext(ctx, "staging failed", "file_id", tf.FileID, "error", err)
		return
	}

	job := pipeline.Job{
		// The portal's transaction id is the identity; the staged name is
		// only the local spool name.
		FileID:   tf.FileID,
		FileName: serverName,
		Source:   Source,
		Payload:  staged.Bytes,
		Ack:      c.acker(ctx, acct),
		Done: func(r pipeline.Report) {
			if err := staged.Discard(); err != nil {
				c.logger.WarnContext(ctx, "spool discard failed", "file_id", tf.FileID, "error", err)
			}
			if !r.VerifyOK || !r.Acked {
				// Let the next cycle list the file again and retry the
				// ingest (or just the ack).
				c.forget(tf.FileID)
			}
		},
	}
	if err := c.orch.Submit(job); err != nil {
		c.logger.WarnContext(ctx, "pipeline busy, will retry next cycle",
			"file_id", tf.FileID, "error", err)
		staged.Discard()
		c.forget(tf.FileID)
	}
}

// acker returns the portal acker, or nil when acking is toggled off.
func (c *Coordinator) acker(ctx context.Context, acct soapgw.Account) pipeline.Acker {
	on, err := c.store.ToggleEnabled(ctx, claimsdb.ToggleAck)
	if err != nil {
		c.logger.ErrorContext(ctx, "toggle read failed", "error", err)
		return nil
	}
	if !on {
		return nil
	}
	return &portalAcker{soap: c.soap, acct: acct}
}

func (c *Coordinator) forget(fileID string) {
	c.mu.Lock()
	delete(c.registry, fileID)
	c.mu.Unlock()
}

func (c *Coordinator) logTransport(ctx context.Context, facilityCode, op string, err error) {
	c.logger.WarnContext(ctx, "dhpo call failed",
		"facility", facilityCode, "operation", op, "error", err)
	c.store.LogError(ctx, claimsdb.IngestionError{
		Stage:      claimsdb.StageTransport,
		ObjectType: "facility",
		ObjectKey:  facilityCode,
		Code:       "DHPO_" + op,
		Message:    err.Error(),
		Retryable:  true,
	})
}

// portalAcker acknowledges one file back to the portal.
type portalAcker struct {
	soap *soapgw.Client
	acct soapgw.Account
}

func (p *portalAcker) AckFile(ctx context.Context, fileID string) error {
	return soapgw.CallWithTransientRetry(func() error {
		return p.soap.SetTransactionDownloaded(ctx, p.acct, fileID)
	})
}

// EnrollFacility seals credentials under the active key and stores the
// facility row (ops path for onboarding and credential change).
func EnrollFacility(ctx context.Context, store *claimsdb.Store, ks *ame.Keystore, f claimsdb.Facility, login, pwd string) error {
	if _, err := store.UpsertFacility(ctx, f); err != nil {
		return err
	}
	loginCipher, pwdCipher, meta, err := ks.Active().Seal(login, pwd, f.Code)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	return store.UpdateFacilityCredentials(ctx, f.Code, loginCipher, pwdCipher, meta)
}

// RotateCredentials re-seals every facility's envelope under the active
// key. Returns how many rows were rotated.
func RotateCredentials(ctx context.Context, store *claimsdb.Store, ks *ame.Keystore) (int, error) {
	facilities, err := store.ListActiveFacilities(ctx)
	if err != nil {
		return 0, err
	}
	rotated := 0
	for _, f := range facilities {
		if len(f.LoginCipher) == 0 {
			continue
		}
		rec, changed, err := ks.Rotate(ame.CredentialRecord{
			FacilityCode: f.Code,
			LoginCipher:  f.LoginCipher,
			PwdCipher:    f.PwdCipher,
			Meta:         f.CryptoMeta,
		})
		if err != nil {
			return rotated, fmt.Errorf("rotate %s: %w", f.Code, err)
		}
		if !changed {
			continue
		}
		if err := store.UpdateFacilityCredentials(ctx, f.Code, rec.LoginCipher, rec.PwdCipher, rec.Meta); err != nil {
			return rotated, err
		}
		rotated++
	}
	return rotated, nil
}
