package devicesync

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
)

const secretBytes = 32

var terminalCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

type RegisterRequest struct {
	DeviceID       string `json:"device_id,omitempty"`
	InstallationID string `json:"installation_id,omitempty"`
	TerminalCode   string `json:"terminal_code"`
	DisplayName    string `json:"display_name,omitempty"`
}

// RegisterResult carries the only copy of the secret the service hands out.
type RegisterResult struct {
	Device     models.Device `json:"device"`
	KeyVersion int           `json:"key_version"`
	Secret     string        `json:"secret"`
}

// RegisterDevice registers a terminal on the actor's branch, or re-keys a
// device already registered there. Older keys are deactivated.
func (s *Service) RegisterDevice(ctx context.Context, req RegisterRequest, actor models.Actor) (RegisterResult, error) {
	if !actor.Privileged() {
		return RegisterResult{}, errForbidden(ReasonForbidden, "registering devices requires a manager role")
	}
	terminal := strings.TrimSpace(req.TerminalCode)
	if !terminalCodePattern.MatchString(terminal) {
		return RegisterResult{}, errBadRequest(ReasonInvalidRequest, "terminal_code must be 1-32 letters, digits, '-' or '_'")
	}
	deviceID, err := optionalUUID("device_id", req.DeviceID)
	if err != nil {
		return RegisterResult{}, err
	}
	installationID, err := optionalUUID("installation_id", req.InstallationID)
	if err != nil {
		return RegisterResult{}, err
	}
	if _, err := s.branchSettings(ctx, actor.BranchID); err != nil {
		return RegisterResult{}, err
	}

	if s.opts.Locker != nil {
		key := fmt.Sprintf(registerLockKeyTemplate, actor.BranchID, strings.ToUpper(terminal))
		release, ok, err := s.opts.Locker.TryLock(ctx, key, s.opts.RegisterLockTTL)
		switch {
		case err != nil:
			s.logger.Warn(ctx, "device_register_lock_failed", "registration lock unavailable, continuing",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		case !ok:
			return RegisterResult{}, errConflict(ReasonRegisterInProgress, "another registration for this terminal is in progress")
		default:
			defer func() {
				_ = release(context.WithoutCancel(ctx))
			}()
		}
	}

	secret, err := newSecret()
	if err != nil {
		return RegisterResult{}, err
	}

	var result RegisterResult
	err = s.store.WithTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		holder, err := tx.FindDeviceByTerminal(ctx, actor.BranchID, terminal)
		switch {
		case err == nil && (deviceID == uuid.Nil || holder.DeviceID != deviceID):
			return errConflict(ReasonTerminalTaken, "terminal_code is registered to another device")
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("find device by terminal: %w", err)
		}

		if deviceID == uuid.Nil {
			deviceID = uuid.New()
		}
		existing, err := tx.GetDevice(ctx, deviceID)
		switch {
		case err == nil:
			if existing.BranchID != actor.BranchID {
				return errConflict(ReasonDeviceOtherBranch, "device is registered to another branch")
			}
			if installationID == uuid.Nil {
				installationID = existing.InstallationID
			}
		case errors.Is(err, store.ErrNotFound):
		default:
			return fmt.Errorf("get device: %w", err)
		}
		if installationID == uuid.Nil {
			installationID = uuid.New()
		}

		device, err := tx.UpsertDevice(ctx, models.Device{
			DeviceID:       deviceID,
			InstallationID: installationID,
			BranchID:       actor.BranchID,
			TerminalCode:   terminal,
			DisplayName:    strings.TrimSpace(req.DisplayName),
			Status:         models.DeviceStatusActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if errors.Is(err, store.ErrConflict) {
			return errConflict(ReasonTerminalTaken, "terminal_code is registered to another device")
		}
		if err != nil {
			return fmt.Errorf("upsert device: %w", err)
		}

		if err := tx.DeactivateKeys(ctx, deviceID, now); err != nil {
			return fmt.Errorf("deactivate keys: %w", err)
		}
		version, err := tx.MaxKeyVersion(ctx, deviceID)
		if err != nil {
			return fmt.Errorf("max key version: %w", err)
		}
		version++
		if err := tx.InsertKey(ctx, models.DeviceKey{
			DeviceID:   deviceID,
			KeyVersion: version,
			Secret:     secret,
			IsActive:   true,
			CreatedAt:  now,
		}); err != nil {
			return fmt.Errorf("insert key: %w", err)
		}
		result = RegisterResult{Device: device, KeyVersion: version, Secret: secret}
		return nil
	})
	if err != nil {
		return RegisterResult{}, err
	}

	s.logger.Info(ctx, "device_registered", "device registered",
		slog.String("device_id", result.Device.DeviceID.String()),
		slog.String("branch_id", result.Device.BranchID.String()),
		slog.String("terminal_code", result.Device.TerminalCode),
		slog.Int("key_version", result.KeyVersion),
		slog.String("actor_id", actor.ActorID),
	)
	return result, nil
}

// DisableDevice blocks a device and deactivates its keys. Its history is
// kept.
func (s *Service) DisableDevice(ctx context.Context, deviceID uuid.UUID, actor models.Actor) (models.Device, error) {
	if !actor.Privileged() {
		return models.Device{}, errForbidden(ReasonForbidden, "disabling devices requires a manager role")
	}
	var device models.Device
	err := s.store.WithTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		d, err := tx.GetDevice(ctx, deviceID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && d.BranchID != actor.BranchID) {
			return errNotFound(ReasonDeviceNotFound, "device does not exist")
		}
		if err != nil {
			return fmt.Errorf("get device: %w", err)
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		if err := tx.SetDeviceStatus(ctx, deviceID, models.DeviceStatusDisabled, now); err != nil {
			return fmt.Errorf("set device status: %w", err)
		}
		if err := tx.DeactivateKeys(ctx, deviceID, now); err != nil {
			return fmt.Errorf("deactivate keys: %w", err)
		}
		d.Status = models.DeviceStatusDisabled
		d.UpdatedAt = now
		device = d
		return nil
	})
	if err != nil {
		return models.Device{}, err
	}
	s.logger.Info(ctx, "device_disabled", "device disabled",
		slog.String("device_id", deviceID.String()),
		slog.String("actor_id", actor.ActorID),
	)
	return device, nil
}

func optionalUUID(field string, raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errBadRequest(ReasonInvalidRequest, "%s must be a UUID", field)
	}
	return id, nil
}

func newSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
