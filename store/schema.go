package store

const schema = `
CREATE TABLE IF NOT EXISTS payment_records (
    id                      TEXT PRIMARY KEY,
    type                    TEXT NOT NULL,
    state                   TEXT NOT NULL,
    amount_picounits        INTEGER,
    amount_currency         TEXT,
    counterparty_id         TEXT NOT NULL DEFAULT '',
    memo                    TEXT NOT NULL DEFAULT '',
    request_id              TEXT NOT NULL DEFAULT '',
    created_at_ms           INTEGER NOT NULL,
    unread                  INTEGER NOT NULL DEFAULT 0,
    failure                 TEXT NOT NULL DEFAULT '',
    recipient_address       BLOB,
    transaction_data        BLOB,
    receipt_data            BLOB,
    incoming_tx_public_keys TEXT,
    spent_key_images        TEXT,
    output_public_keys      TEXT,
    block_index             INTEGER NOT NULL DEFAULT 0,
    block_timestamp_ms      INTEGER NOT NULL DEFAULT 0,
    fee_picounits           INTEGER
);
CREATE INDEX IF NOT EXISTS idx_payment_records_state ON payment_records(state);
CREATE INDEX IF NOT EXISTS idx_payment_records_block ON payment_records(block_index);
CREATE INDEX IF NOT EXISTS idx_payment_records_request ON payment_records(request_id);
CREATE INDEX IF NOT EXISTS idx_payment_records_tx ON payment_records(transaction_data);
CREATE INDEX IF NOT EXISTS idx_payment_records_receipt ON payment_records(receipt_data);

CREATE TABLE IF NOT EXISTS payment_requests (
    request_id       TEXT PRIMARY KEY,
    counterparty_id  TEXT NOT NULL,
    amount_picounits INTEGER NOT NULL,
    memo             TEXT NOT NULL DEFAULT '',
    created_at_ms    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS kv (
    collection TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      BLOB,
    PRIMARY KEY (collection, key)
);
`
