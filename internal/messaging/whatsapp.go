package messaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/mentis-edu/mentis/internal/store"
)

const (
	// DefaultWhatsAppDBPath is the default whatsmeow device database.
	DefaultWhatsAppDBPath = "/var/lib/mentis/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID server for regular users.
	JIDSuffix = "s.whatsapp.net"
)

// waMessenger is the part of the whatsmeow client the sender uses.
type waMessenger interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	Disconnect()
}

// WhatsAppOpts holds whatsmeow database and login settings.
type WhatsAppOpts struct {
	DBDSN       string
	QRPath      string
	NumericCode bool
}

// WhatsAppOption configures the whatsmeow sender.
type WhatsAppOption func(*WhatsAppOpts)

// WithWhatsAppDBDSN sets the whatsmeow device store DSN (SQLite path or Postgres URL).
func WithWhatsAppDBDSN(dsn string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.QRPath = path }
}

// WithNumericCode prints the raw login code instead of a QR code.
func WithNumericCode() WhatsAppOption {
	return func(o *WhatsAppOpts) { o.NumericCode = true }
}

// WhatsAppSender sends messages from a linked WhatsApp device.
type WhatsAppSender struct {
	client waMessenger
}

// NewWhatsAppSender opens the device store, logs in with a QR code when the device is
// not linked yet, and connects.
func NewWhatsAppSender(ctx context.Context, opts ...WhatsAppOption) (*WhatsAppSender, error) {
	var cfg WhatsAppOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = DefaultWhatsAppDBPath
		slog.Debug("NewWhatsAppSender: no database DSN, using default", "path", dsn)
	}
	driver := store.DetectDSNType(dsn)
	if driver == "sqlite3" && !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("NewWhatsAppSender: SQLite device store without foreign keys; whatsmeow recommends enabling them",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	client := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))

	if client.Store.ID == nil {
		slog.Info("NewWhatsAppSender: login required, starting QR flow")
		qrChan, _ := client.GetQRChannel(ctx)
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, err := os.Create(cfg.QRPath)
			if err != nil {
				return nil, fmt.Errorf("failed to create QR file: %w", err)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event != "code" {
				slog.Info("NewWhatsAppSender: login event", "event", evt.Event)
				continue
			}
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
		}
	} else if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("NewWhatsAppSender: connected")
	return &WhatsAppSender{client: client}, nil
}

func (s *WhatsAppSender) Name() string { return "whatsapp" }

// SendMessage sends body to the phone number to.
func (s *WhatsAppSender) SendMessage(ctx context.Context, to, body string) error {
	canonical, err := CanonicalizePhone(to)
	if err != nil {
		return err
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	jid := types.NewJID(canonical, JIDSuffix)
	if _, err := s.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body}); err != nil {
		slog.Error("WhatsAppSender.SendMessage: send failed", "to", canonical, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", canonical, err)
	}
	slog.Debug("WhatsAppSender.SendMessage: message sent", "to", canonical, "body_length", len(body))
	return nil
}

// Close disconnects from WhatsApp.
func (s *WhatsAppSender) Close() error {
	s.client.Disconnect()
	return nil
}
