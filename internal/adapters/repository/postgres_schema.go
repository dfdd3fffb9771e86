package repository

// CyclesSchema is the DDL the postgres repository relies on. The partial
// unique index enforces the single-active-cycle invariant; the trigger
// rejects overlapping date ranges below the application layer, so concurrent
// writers from multiple service instances cannot break the non-overlap
// invariant either.
const CyclesSchema = `
CREATE TABLE IF NOT EXISTS cycles (
    id         UUID PRIMARY KEY,
    user_id    TEXT NOT NULL,
    status     TEXT NOT NULL CHECK (status IN ('InProgress', 'Completed')),
    start_date TIMESTAMPTZ NOT NULL,
    end_date   TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    CHECK (start_date < end_date)
);

CREATE UNIQUE INDEX IF NOT EXISTS uidx_cycles_user_active
    ON cycles (user_id)
    WHERE status = 'InProgress';

CREATE INDEX IF NOT EXISTS idx_cycles_user_end_date
    ON cycles (user_id, end_date DESC)
    WHERE status = 'Completed';

CREATE OR REPLACE FUNCTION cycles_reject_overlap() RETURNS trigger AS $$
BEGIN
    IF EXISTS (
        SELECT 1 FROM cycles
        WHERE user_id = NEW.user_id
          AND id <> NEW.id
          AND tstzrange(start_date, end_date, '[)') && tstzrange(NEW.start_date, NEW.end_date, '[)')
    ) THEN
        RAISE EXCEPTION 'cycle range overlaps an existing cycle for user %', NEW.user_id
            USING ERRCODE = '23P01', CONSTRAINT = 'cycles_no_overlap';
    END IF;
    RETURN NEW;
END
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_cycles_reject_overlap ON cycles;
CREATE TRIGGER trg_cycles_reject_overlap
    BEFORE INSERT OR UPDATE OF start_date, end_date ON cycles
    FOR EACH ROW EXECUTE FUNCTION cycles_reject_overlap();
`

// Constraint names referenced when classifying violations.
const (
	constraintUserActive = "uidx_cycles_user_active"
	constraintNoOverlap  = "cycles_no_overlap"
)
