package state

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ellyseum/LEmud-sub000/internal/ansi"
	"github.com/ellyseum/LEmud-sub000/internal/output"
	"github.com/ellyseum/LEmud-sub000/internal/session"
)

// TransferRequest asks a newly authenticated connection whether to take
// over a login the account already holds on another session.
type TransferRequest struct {
	transfer TransferHandler
	logger   *zap.Logger
}

// NewTransferRequest creates the TRANSFER_REQUEST handler.
//
// Precondition: transfer and logger must be non-nil.
func NewTransferRequest(transfer TransferHandler, logger *zap.Logger) *TransferRequest {
	return &TransferRequest{transfer: transfer, logger: logger}
}

func (t *TransferRequest) Name() session.StateName { return session.StateTransferRequest }

// Enter requires a TRANSFER payload carried in from LOGIN.
func (t *TransferRequest) Enter(s *session.Session) {
	if _, ok := s.Data.(*session.TransferData); !ok {
		t.logger.Error("transfer payload missing", zap.String("session_id", s.ID))
		request(s, session.StateLogin)
		return
	}
	_ = s.Output.WriteRaw([]byte(ansi.Colorize(ansi.Yellow,
		"That account is already connected from another session.") + "\r\n"))
	setPrompt(s, "Transfer the connection here? (yes/no) ")
}

// Handle consumes the yes/no answer. Yes completes the takeover; no returns
// to LOGIN.
func (t *TransferRequest) Handle(ctx context.Context, s *session.Session, line string) error {
	td, ok := s.Data.(*session.TransferData)
	if !ok {
		t.logger.Error("transfer payload missing", zap.String("session_id", s.ID))
		request(s, session.StateLogin)
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "yes", "y":
		if err := t.transfer.Takeover(ctx, s, td.Username, td.ExistingSessionID); err != nil {
			t.logger.Error("session takeover failed",
				zap.String("session_id", s.ID),
				zap.String("username", td.Username),
				zap.Error(err),
			)
			_ = s.Output.Send(ansi.Colorize(ansi.Red, "Transfer failed. Please log in again."), output.ClassStandard)
			request(s, session.StateLogin)
			return nil
		}
		request(s, session.StateAuthenticated)
		return nil
	case "no", "n":
		request(s, session.StateLogin)
		return nil
	default:
		setPrompt(s, "Transfer the connection here? (yes/no) ")
		return nil
	}
}
