package cli

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pos-sync-platform/shared/signx"
)

func NewHashPayloadCommand(rootOpts *RootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "hash-payload",
		Short: "Print the canonical SHA-256 hash of an event payload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			canonical, err := signx.Canonicalize(raw)
			if err != nil {
				return err
			}
			hash, err := signx.PayloadHash(raw)
			if err != nil {
				return err
			}
			return emit(cmd, rootOpts, []string{"payload_hash", "canonical"}, map[string]string{
				"payload_hash": hash,
				"canonical":    string(canonical),
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "payload JSON file (- for stdin)")
	return cmd
}

type signEventOptions struct {
	secret      string
	file        string
	payloadHash string
	prevHash    string
	seq         int64
	eventType   string
}

func NewSignEventCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &signEventOptions{}
	cmd := &cobra.Command{
		Use:   "sign-event",
		Short: "Sign one event envelope",
		Long: `Sign an event with the device secret. The payload hash is computed from
--file unless --payload-hash is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.secret == "" {
				return errors.New("--secret is required")
			}
			if strings.TrimSpace(opts.eventType) == "" {
				return errors.New("--type is required")
			}
			if opts.seq < 1 {
				return errors.New("--seq must be >= 1")
			}
			hash := opts.payloadHash
			if hash == "" {
				raw, err := readInput(cmd, opts.file)
				if err != nil {
					return err
				}
				if hash, err = signx.PayloadHash(raw); err != nil {
					return err
				}
			}
			return emit(cmd, rootOpts, []string{"payload_hash", "signature"}, map[string]string{
				"payload_hash": hash,
				"signature":    signx.SignEvent(opts.secret, hash, opts.prevHash, opts.seq, opts.eventType),
			})
		},
	}
	cmd.Flags().StringVar(&opts.secret, "secret", "", "device secret")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "-", "payload JSON file (- for stdin)")
	cmd.Flags().StringVar(&opts.payloadHash, "payload-hash", "", "precomputed payload hash")
	cmd.Flags().StringVar(&opts.prevHash, "prev-hash", "", "payload hash of the previous event")
	cmd.Flags().Int64Var(&opts.seq, "seq", 0, "device sequence number")
	cmd.Flags().StringVar(&opts.eventType, "type", "", "event type, e.g. sale.created")
	return cmd
}

type signRequestOptions struct {
	secret         string
	file           string
	timestamp      string
	idempotencyKey string
}

func NewSignRequestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &signRequestOptions{}
	cmd := &cobra.Command{
		Use:   "sign-request",
		Short: "Compute the X-Signature header of a sync request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.secret == "" {
				return errors.New("--secret is required")
			}
			body, err := readInput(cmd, opts.file)
			if err != nil {
				return err
			}
			ts := opts.timestamp
			if ts == "" {
				ts = time.Now().UTC().Format(time.RFC3339)
			}
			return emit(cmd, rootOpts, []string{"X-Request-Timestamp", "Idempotency-Key", "X-Signature"}, map[string]string{
				"X-Request-Timestamp": ts,
				"Idempotency-Key":     opts.idempotencyKey,
				"X-Signature":         signx.SignRequest(opts.secret, ts, opts.idempotencyKey, body),
			})
		},
	}
	cmd.Flags().StringVar(&opts.secret, "secret", "", "device secret")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "request body file (- for stdin, empty for no body)")
	cmd.Flags().StringVar(&opts.timestamp, "timestamp", "", "request timestamp (default now, RFC 3339)")
	cmd.Flags().StringVar(&opts.idempotencyKey, "idempotency-key", "", "Idempotency-Key header value")
	return cmd
}
