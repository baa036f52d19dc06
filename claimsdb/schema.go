package claimsdb

// Schema is the claimsink DDL, applied via dbopen.WithSchema. Reference
// tables carry a ref_ prefix (SQLite has no schema namespaces).
const Schema = `
CREATE TABLE IF NOT EXISTS ingestion_file (
    id               INTEGER PRIMARY KEY,
    file_id          TEXT NOT NULL UNIQUE,
    file_name        TEXT NOT NULL DEFAULT '',
    source           TEXT NOT NULL DEFAULT '',
    root_type        TEXT NOT NULL DEFAULT '',
    sender_id        TEXT NOT NULL DEFAULT '',
    receiver_id      TEXT NOT NULL DEFAULT '',
    transaction_date TEXT NOT NULL DEFAULT '',
    record_count     INTEGER NOT NULL DEFAULT 0,
    disposition      TEXT NOT NULL DEFAULT '',
    raw_xml          BLOB,
    verified         INTEGER NOT NULL DEFAULT 0,
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);

-- updated_at is bumped by trigger only when a row actually changes.
CREATE TRIGGER IF NOT EXISTS trg_ingestion_file_touch
AFTER UPDATE ON ingestion_file
FOR EACH ROW WHEN NEW.updated_at = OLD.updated_at
BEGIN
    UPDATE ingestion_file
    SET updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
    WHERE id = NEW.id;
END;

CREATE TABLE IF NOT EXISTS ingestion_error (
    id                TEXT PRIMARY KEY,
    ingestion_file_id INTEGER REFERENCES ingestion_file(id),
    stage             TEXT NOT NULL,
    object_type       TEXT NOT NULL DEFAULT '',
    object_key        TEXT NOT NULL DEFAULT '',
    code              TEXT NOT NULL,
    message           TEXT NOT NULL DEFAULT '',
    retryable         INTEGER NOT NULL DEFAULT 0,
    created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ingestion_error_file  ON ingestion_error(ingestion_file_id);
CREATE INDEX IF NOT EXISTS idx_ingestion_error_stage ON ingestion_error(stage, code);

CREATE TABLE IF NOT EXISTS ingestion_run (
    id                TEXT PRIMARY KEY,
    ingestion_file_id INTEGER REFERENCES ingestion_file(id),
    source            TEXT NOT NULL DEFAULT '',
    started_at        TEXT NOT NULL,
    finished_at       TEXT,
    claims_parsed     INTEGER NOT NULL DEFAULT 0,
    claims_persisted  INTEGER NOT NULL DEFAULT 0,
    claims_skipped    INTEGER NOT NULL DEFAULT 0,
    errors            INTEGER NOT NULL DEFAULT 0,
    verify_ok         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_ingestion_run_file ON ingestion_run(ingestion_file_id);

-- Claim spine: one row per business claim id, shared between the submission
-- and remittance graphs. Never deleted.
CREATE TABLE IF NOT EXISTS claim_key (
    id         INTEGER PRIMARY KEY,
    claim_id   TEXT NOT NULL UNIQUE,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS submission (
    id                INTEGER PRIMARY KEY,
    ingestion_file_id INTEGER NOT NULL UNIQUE REFERENCES ingestion_file(id),
    tx_at             TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS claim (
    id              INTEGER PRIMARY KEY,
    claim_key_id    INTEGER NOT NULL UNIQUE REFERENCES claim_key(id),
    submission_id   INTEGER NOT NULL REFERENCES submission(id),
    id_payer        TEXT NOT NULL DEFAULT '',
    member_id       TEXT NOT NULL DEFAULT '',
    payer_code      TEXT NOT NULL DEFAULT '',
    provider_code   TEXT NOT NULL DEFAULT '',
    emirates_id     TEXT NOT NULL DEFAULT '',
    gross           REAL NOT NULL DEFAULT 0,
    patient_share   REAL NOT NULL DEFAULT 0,
    net             REAL NOT NULL DEFAULT 0,
    payer_ref_id    INTEGER REFERENCES ref_payer(id),
    provider_ref_id INTEGER REFERENCES ref_provider(id),
    tx_at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claim_submission ON claim(submission_id);

CREATE TABLE IF NOT EXISTS encounter (
    id               INTEGER PRIMARY KEY,
    claim_id         INTEGER NOT NULL UNIQUE REFERENCES claim(id),
    facility_code    TEXT NOT NULL DEFAULT '',
    facility_ref_id  INTEGER REFERENCES ref_facility(id),
    enc_type         TEXT NOT NULL DEFAULT '',
    patient_id       TEXT NOT NULL DEFAULT '',
    start_at         TEXT NOT NULL DEFAULT '',
    end_at           TEXT NOT NULL DEFAULT '',
    start_type       TEXT NOT NULL DEFAULT '',
    end_type         TEXT NOT NULL DEFAULT '',
    transfer_source  TEXT NOT NULL DEFAULT '',
    transfer_dest    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS diagnosis (
    id               INTEGER PRIMARY KEY,
    claim_id         INTEGER NOT NULL REFERENCES claim(id),
    diag_type        TEXT NOT NULL,
    code             TEXT NOT NULL,
    diagnosis_ref_id INTEGER REFERENCES ref_diagnosis_code(id),
    UNIQUE (claim_id, diag_type, code)
);

CREATE TABLE IF NOT EXISTS activity (
    id                   INTEGER PRIMARY KEY,
    claim_id             INTEGER NOT NULL REFERENCES claim(id),
    activity_id          TEXT NOT NULL,
    start_at             TEXT NOT NULL DEFAULT '',
    act_type             TEXT NOT NULL DEFAULT '',
    code                 TEXT NOT NULL DEFAULT '',
    quantity             REAL NOT NULL DEFAULT 0,
    net                  REAL NOT NULL DEFAULT 0,
    clinician_code       TEXT NOT NULL DEFAULT '',
    prior_auth_id        TEXT NOT NULL DEFAULT '',
    clinician_ref_id     INTEGER REFERENCES ref_clinician(id),
    activity_code_ref_id INTEGER REFERENCES ref_activity_code(id),
    UNIQUE (claim_id, activity_id)
);

CREATE TABLE IF NOT EXISTS observation (
    id          INTEGER PRIMARY KEY,
    activity_id INTEGER NOT NULL REFERENCES activity(id),
    obs_type    TEXT NOT NULL DEFAULT '',
    obs_code    TEXT NOT NULL DEFAULT '',
    obs_value   TEXT NOT NULL DEFAULT '',
    value_type  TEXT NOT NULL DEFAULT '',
    value_hash  TEXT NOT NULL,
    UNIQUE (activity_id, obs_type, obs_code, value_hash)
);

CREATE TABLE IF NOT EXISTS claim_event (
    id            INTEGER PRIMARY KEY,
    claim_key_id  INTEGER NOT NULL REFERENCES claim_key(id),
    event_type    INTEGER NOT NULL,
    event_time    TEXT NOT NULL,
    submission_id INTEGER REFERENCES submission(id),
    remittance_id INTEGER REFERENCES remittance(id),
    tx_at         TEXT NOT NULL,
    UNIQUE (claim_key_id, event_type, event_time)
);

CREATE TABLE IF NOT EXISTS claim_event_activity (
    id                   INTEGER PRIMARY KEY,
    claim_event_id       INTEGER NOT NULL REFERENCES claim_event(id),
    activity_id_at_event TEXT NOT NULL,
    start_at             TEXT NOT NULL DEFAULT '',
    act_type             TEXT NOT NULL DEFAULT '',
    code                 TEXT NOT NULL DEFAULT '',
    quantity             REAL NOT NULL DEFAULT 0,
    net                  REAL NOT NULL DEFAULT 0,
    clinician_code       TEXT NOT NULL DEFAULT '',
    list_price           REAL NOT NULL DEFAULT 0,
    gross                REAL NOT NULL DEFAULT 0,
    patient_share        REAL NOT NULL DEFAULT 0,
    payment_amount       REAL NOT NULL DEFAULT 0,
    denial_code          TEXT NOT NULL DEFAULT '',
    UNIQUE (claim_event_id, activity_id_at_event)
);

CREATE TABLE IF NOT EXISTS event_observation (
    id                      INTEGER PRIMARY KEY,
    claim_event_activity_id INTEGER NOT NULL REFERENCES claim_event_activity(id),
    obs_type                TEXT NOT NULL DEFAULT '',
    obs_code                TEXT NOT NULL DEFAULT '',
    obs_value               TEXT NOT NULL DEFAULT '',
    value_type              TEXT NOT NULL DEFAULT '',
    value_hash              TEXT NOT NULL,
    UNIQUE (claim_event_activity_id, obs_type, obs_code, value_hash)
);

-- Append-only derived status history; every row references the event that
-- produced it. status_time comes from the document, not wall clock.
CREATE TABLE IF NOT EXISTS claim_status_timeline (
    id             INTEGER PRIMARY KEY,
    claim_key_id   INTEGER NOT NULL REFERENCES claim_key(id),
    status         INTEGER NOT NULL,
    status_time    TEXT NOT NULL,
    claim_event_id INTEGER NOT NULL REFERENCES claim_event(id),
    created_at     TEXT NOT NULL,
    UNIQUE (claim_event_id, status)
);
CREATE INDEX IF NOT EXISTS idx_timeline_claim ON claim_status_timeline(claim_key_id, status_time);

CREATE TABLE IF NOT EXISTS claim_resubmission (
    id             INTEGER PRIMARY KEY,
    claim_id       INTEGER NOT NULL REFERENCES claim(id),
    claim_event_id INTEGER NOT NULL UNIQUE REFERENCES claim_event(id),
    resub_type     TEXT NOT NULL DEFAULT '',
    comment        TEXT NOT NULL DEFAULT '',
    attachment     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS claim_attachment (
    id             INTEGER PRIMARY KEY,
    claim_key_id   INTEGER NOT NULL REFERENCES claim_key(id),
    claim_event_id INTEGER NOT NULL REFERENCES claim_event(id),
    file_name      TEXT NOT NULL,
    data           BLOB,
    UNIQUE (claim_key_id, claim_event_id, file_name)
);

CREATE TABLE IF NOT EXISTS remittance (
    id                INTEGER PRIMARY KEY,
    ingestion_file_id INTEGER NOT NULL UNIQUE REFERENCES ingestion_file(id),
    tx_at             TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS remittance_claim (
    id                INTEGER PRIMARY KEY,
    remittance_id     INTEGER NOT NULL REFERENCES remittance(id),
    claim_key_id      INTEGER NOT NULL REFERENCES claim_key(id),
    id_payer          TEXT NOT NULL DEFAULT '',
    provider_code     TEXT NOT NULL DEFAULT '',
    denial_code       TEXT NOT NULL DEFAULT '',
    payment_reference TEXT NOT NULL DEFAULT '',
    date_settlement   TEXT NOT NULL DEFAULT '',
    facility_code     TEXT NOT NULL DEFAULT '',
    payer_ref_id      INTEGER REFERENCES ref_payer(id),
    provider_ref_id   INTEGER REFERENCES ref_provider(id),
    denial_ref_id     INTEGER REFERENCES ref_denial_code(id),
    UNIQUE (remittance_id, claim_key_id)
);

CREATE TABLE IF NOT EXISTS remittance_activity (
    id                  INTEGER PRIMARY KEY,
    remittance_claim_id INTEGER NOT NULL REFERENCES remittance_claim(id),
    activity_id         TEXT NOT NULL,
    start_at            TEXT NOT NULL DEFAULT '',
    act_type            TEXT NOT NULL DEFAULT '',
    code                TEXT NOT NULL DEFAULT '',
    quantity            REAL NOT NULL DEFAULT 0,
    net                 REAL NOT NULL DEFAULT 0,
    list_price          REAL NOT NULL DEFAULT 0,
    gross               REAL NOT NULL DEFAULT 0,
    patient_share       REAL NOT NULL DEFAULT 0,
    payment_amount      REAL NOT NULL DEFAULT 0,
    denial_code         TEXT NOT NULL DEFAULT '',
    clinician_code      TEXT NOT NULL DEFAULT '',
    prior_auth_id       TEXT NOT NULL DEFAULT '',
    denial_ref_id       INTEGER REFERENCES ref_denial_code(id),
    UNIQUE (remittance_claim_id, activity_id)
);

-- Per-claim payment aggregate, recomputed after every remittance-side change.
CREATE TABLE IF NOT EXISTS claim_payment (
    id                   INTEGER PRIMARY KEY,
    claim_key_id         INTEGER NOT NULL UNIQUE REFERENCES claim_key(id),
    submitted_amount     REAL NOT NULL DEFAULT 0,
    paid_amount          REAL NOT NULL DEFAULT 0,
    rejected_amount      REAL NOT NULL DEFAULT 0,
    denied_activity_count INTEGER NOT NULL DEFAULT 0,
    activity_count       INTEGER NOT NULL DEFAULT 0,
    remit_activity_count INTEGER NOT NULL DEFAULT 0,
    first_remittance_at  TEXT NOT NULL DEFAULT '',
    last_remittance_at   TEXT NOT NULL DEFAULT '',
    settlement_reference TEXT NOT NULL DEFAULT '',
    date_settlement      TEXT NOT NULL DEFAULT '',
    payment_status       INTEGER NOT NULL DEFAULT 0,
    processing_cycles    INTEGER NOT NULL DEFAULT 0,
    updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS integration_toggle (
    code       TEXT PRIMARY KEY,
    enabled    INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL
);

-- DHPO facility config. Credentials are AES-256-GCM blobs; crypto_meta is
-- the envelope metadata JSON (alg, per-field IVs, key id, AAD binding).
CREATE TABLE IF NOT EXISTS facility (
    id           INTEGER PRIMARY KEY,
    code         TEXT NOT NULL UNIQUE,
    name         TEXT NOT NULL DEFAULT '',
    endpoint_url TEXT NOT NULL DEFAULT '',
    login_cipher BLOB,
    pwd_cipher   BLOB,
    crypto_meta  TEXT NOT NULL DEFAULT '',
    active       INTEGER NOT NULL DEFAULT 1,
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL
);

-- Reference data (claims_ref namespace).
CREATE TABLE IF NOT EXISTS ref_payer (
    id         INTEGER PRIMARY KEY,
    code       TEXT NOT NULL UNIQUE,
    name       TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL DEFAULT 'ACTIVE',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ref_provider (
    id         INTEGER PRIMARY KEY,
    code       TEXT NOT NULL UNIQUE,
    name       TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL DEFAULT 'ACTIVE',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ref_facility (
    id         INTEGER PRIMARY KEY,
    code       TEXT NOT NULL UNIQUE,
    name       TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL DEFAULT 'ACTIVE',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ref_clinician (
    id         INTEGER PRIMARY KEY,
    code       TEXT NOT NULL UNIQUE,
    name       TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL DEFAULT 'ACTIVE',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ref_activity_code (
    id          INTEGER PRIMARY KEY,
    code        TEXT NOT NULL,
    code_system TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'ACTIVE',
    created_at  TEXT NOT NULL,
    UNIQUE (code, code_system)
);

CREATE TABLE IF NOT EXISTS ref_diagnosis_code (
    id          INTEGER PRIMARY KEY,
    code        TEXT NOT NULL,
    code_system TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'ACTIVE',
    created_at  TEXT NOT NULL,
    UNIQUE (code, code_system)
);

CREATE TABLE IF NOT EXISTS ref_denial_code (
    id          INTEGER PRIMARY KEY,
    code        TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'ACTIVE',
    created_at  TEXT NOT NULL
);

-- First-sight audit for master codes discovered during ingestion.
CREATE TABLE IF NOT EXISTS code_discovery_audit (
    id                INTEGER PRIMARY KEY,
    source_table      TEXT NOT NULL,
    code              TEXT NOT NULL,
    code_system       TEXT NOT NULL DEFAULT '',
    discovered_by     TEXT NOT NULL DEFAULT '',
    ingestion_file_id INTEGER,
    claim_external_id TEXT NOT NULL DEFAULT '',
    created_at        TEXT NOT NULL,
    UNIQUE (source_table, code, code_system)
);
`
