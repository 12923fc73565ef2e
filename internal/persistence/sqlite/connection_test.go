package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/example/attendance-tracker/internal/persistence"
)

func TestErrorMapper(t *testing.T) {
	t.Parallel()

	mapper := NewErrorMapper()
	cases := []struct {
		name string
		err  error
		want error
	}{
		{name: "no rows", err: sql.ErrNoRows, want: persistence.ErrNotFound},
		{name: "unique", err: errors.New("constraint failed: UNIQUE constraint failed: sessions.id (1555)"), want: persistence.ErrDuplicate},
		{name: "foreign key", err: errors.New("constraint failed: FOREIGN KEY constraint failed (787)"), want: persistence.ErrForeignKeyViolation},
		{name: "check", err: errors.New("constraint failed: CHECK constraint failed: status (275)"), want: persistence.ErrConstraintViolation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mapper.MapError(tc.err); !errors.Is(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}

	other := errors.New("disk I/O error")
	if got := mapper.MapError(other); got != other {
		t.Fatalf("expected unknown errors unchanged, got %v", got)
	}
	if mapper.MapError(nil) != nil {
		t.Fatal("expected nil for nil")
	}
}

func TestRetryHelper(t *testing.T) {
	t.Parallel()

	helper := NewRetryHelper(RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2})

	calls := 0
	err := helper.WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third call, got %v after %d calls", err, calls)
	}

	calls = 0
	err = helper.WithRetry(context.Background(), func() error {
		calls++
		return errors.New("constraint failed: CHECK constraint failed: kind")
	})
	if !errors.Is(err, persistence.ErrConstraintViolation) || calls != 1 {
		t.Fatalf("expected one mapped failure, got %v after %d calls", err, calls)
	}
}

func TestStoredTimesSortAsText(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)
	whole := formatTime(base)
	fractional := formatTime(base.Add(500 * time.Millisecond))
	if !(whole < fractional) {
		t.Fatalf("expected %q < %q", whole, fractional)
	}

	local := base.In(time.FixedZone("JST", 9*60*60))
	parsed, err := parseTime(formatTime(local))
	if err != nil {
		t.Fatalf("parseTime failed: %v", err)
	}
	if !parsed.Equal(base) || parsed.Location() != time.UTC {
		t.Fatalf("expected %v in UTC, got %v", base, parsed)
	}
}
