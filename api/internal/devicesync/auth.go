package devicesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
	"pos-sync-platform/shared/metricsx"
	"pos-sync-platform/shared/signx"
)

// Credentials are the signed request headers of a device call.
type Credentials struct {
	DeviceID       string
	BranchID       string
	TerminalCode   string
	Timestamp      string
	IdempotencyKey string
	Signature      string
}

type principal struct {
	device models.Device
	key    models.DeviceKey
}

// authenticate runs inside the caller's transaction so the key share lock
// is held until the batch commits.
func (s *Service) authenticate(ctx context.Context, tx store.Tx, creds Credentials, body []byte, requireKey bool) (principal, error) {
	p, err := s.checkCredentials(ctx, tx, creds, body, requireKey)
	if err != nil {
		if e, ok := AsError(err); ok {
			metricsx.IncAuthFailure(e.Reason)
			s.logger.Warn(ctx, "sync_auth_failed", "device request rejected",
				slog.String("reason", e.Reason),
				slog.String("device_id", creds.DeviceID),
				slog.String("branch_id", creds.BranchID),
			)
		}
		return principal{}, err
	}
	return p, nil
}

func (s *Service) checkCredentials(ctx context.Context, tx store.Tx, creds Credentials, body []byte, requireKey bool) (principal, error) {
	deviceID, err := headerUUID("X-Device-ID", creds.DeviceID)
	if err != nil {
		return principal{}, err
	}
	branchID, err := headerUUID("X-Branch-ID", creds.BranchID)
	if err != nil {
		return principal{}, err
	}
	terminal := strings.TrimSpace(creds.TerminalCode)
	if terminal == "" {
		return principal{}, errBadRequest(ReasonMissingHeader, "X-Terminal-Code is required")
	}
	if strings.TrimSpace(creds.Timestamp) == "" {
		return principal{}, errBadRequest(ReasonMissingHeader, "X-Request-Timestamp is required")
	}
	ts, err := ParseTime(creds.Timestamp)
	if err != nil {
		return principal{}, errBadRequest(ReasonInvalidHeader, "X-Request-Timestamp must be ISO-8601")
	}
	if requireKey && strings.TrimSpace(creds.IdempotencyKey) == "" {
		return principal{}, errBadRequest(ReasonMissingHeader, "Idempotency-Key is required")
	}
	if strings.TrimSpace(creds.Signature) == "" {
		return principal{}, errBadRequest(ReasonMissingHeader, "X-Signature is required")
	}

	device, err := tx.GetDevice(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return principal{}, errNotFound(ReasonDeviceNotFound, "device is not registered")
	}
	if err != nil {
		return principal{}, fmt.Errorf("get device: %w", err)
	}
	if device.BranchID != branchID || !strings.EqualFold(device.TerminalCode, terminal) {
		return principal{}, errNotFound(ReasonDeviceNotFound, "device is not registered")
	}
	if device.Status != models.DeviceStatusActive {
		return principal{}, errForbidden(ReasonDeviceDisabled, "device is disabled")
	}

	key, err := tx.GetActiveKey(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return principal{}, errConflict(ReasonNoActiveKey, "device has no active key")
	}
	if err != nil {
		return principal{}, fmt.Errorf("get active key: %w", err)
	}

	skew := s.opts.Now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > s.opts.ReplayWindow {
		return principal{}, errUnauthenticated(ReasonStaleTimestamp, "request timestamp outside the replay window")
	}

	// The signed timestamp is the header value exactly as sent.
	if err := signx.VerifyRequest(key.Secret, creds.Timestamp, creds.IdempotencyKey, body, creds.Signature); err != nil {
		return principal{}, errUnauthenticated(ReasonBadSignature, "request signature mismatch")
	}
	return principal{device: device, key: key}, nil
}

func headerUUID(name string, raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, errBadRequest(ReasonMissingHeader, "%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errBadRequest(ReasonInvalidHeader, "%s must be a UUID", name)
	}
	return id, nil
}
