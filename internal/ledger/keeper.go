package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/petervdpas/parley/internal/callstate"
	"github.com/petervdpas/parley/internal/upload"
)

// Keeper performs end-of-call housekeeping: upload the recording, upsert the
// ledger row, announce the outcome in the conversation. It satisfies the
// call package's Housekeeper interface. Partial failures are joined into the
// returned error; the pieces that succeeded stay persisted.
type Keeper struct {
	ledger   *Ledger
	uploader upload.Uploader
}

// NewKeeper builds a Keeper. uploader may be nil; recordings are then kept
// only in memory by whoever holds the session.
func NewKeeper(l *Ledger, uploader upload.Uploader) *Keeper {
	return &Keeper{ledger: l, uploader: uploader}
}

// CallEnded persists everything about a finished call. It returns the
// storage ref of the uploaded recording, if any, so the caller can attach
// it to the live call record.
func (k *Keeper) CallEnded(ctx context.Context, c *callstate.Call, recording []byte) (string, error) {
	final := *c
	var errs []error

	if len(recording) > 0 && k.uploader != nil {
		key := fmt.Sprintf("recordings/%s/%s.mkv", time.UnixMilli(c.CreatedAt).UTC().Format("2006/01/02"), c.ID)
		ref, err := k.uploader.Upload(ctx, key, "video/x-matroska", recording)
		if err != nil {
			log.Printf("LEDGER [%s]: recording upload failed: %v", c.ID, err)
			errs = append(errs, err)
		} else {
			final.RecordingRef = ref
		}
	}

	if err := k.ledger.RecordOutcome(ctx, &final); err != nil {
		errs = append(errs, err)
	}
	if _, err := k.ledger.PostMessage(ctx, ConversationID(c.CallerID, c.ReceiverID), c.CallerID, CallMessage(&final)); err != nil {
		errs = append(errs, err)
	}
	return final.RecordingRef, errors.Join(errs...)
}

// ConversationID derives the stable conversation key for a pair of users,
// independent of who called whom.
func ConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

// CallMessage renders the conversation line for a finished call, e.g.
// "Video call (2m 13s)" or "Missed voice call".
func CallMessage(c *callstate.Call) string {
	kind := "Voice"
	if c.Kind == callstate.KindVideo {
		kind = "Video"
	}
	switch c.Status {
	case callstate.StatusMissed:
		return fmt.Sprintf("Missed %s call", strings.ToLower(kind))
	case callstate.StatusRejected:
		return fmt.Sprintf("Declined %s call", strings.ToLower(kind))
	default:
		if c.StartedAt == 0 {
			return fmt.Sprintf("Cancelled %s call", strings.ToLower(kind))
		}
		return fmt.Sprintf("%s call (%s)", kind, fmtCallDuration(c.DurationSec))
	}
}

// fmtCallDuration renders whole seconds as "1h 2m 3s", dropping leading
// zero units.
func fmtCallDuration(sec int64) string {
	if sec < 0 {
		sec = 0
	}
	h, m, s := sec/3600, (sec%3600)/60, sec%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
