package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/gamewire/internal/logging"
	"github.com/danmuck/gamewire/internal/protocol/cipher"
	"github.com/danmuck/gamewire/internal/transport"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type sendOptions struct {
	addr       string
	text       string
	note       string
	move       string
	encryption string
	keyHex     string
	keyLabel   string
	tls        transport.TLSConfig
	timeout    time.Duration
}

func sendCmd() *cobra.Command {
	var opts sendOptions

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one demo message and print the reply",
		Long: `send connects to a wirectl server, sends a Chat (--text), a Note
(--note), a Move (--move dx,dy) or a Ping (none of them), and prints the first reply.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			reply, err := runSend(ctx, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "127.0.0.1:7400", "server address")
	cmd.Flags().StringVar(&opts.text, "text", "", "chat text to send")
	cmd.Flags().StringVar(&opts.note, "note", "", "protobuf note text to send")
	cmd.Flags().StringVar(&opts.move, "move", "", "relative move as dx,dy")
	cmd.Flags().StringVar(&opts.encryption, "encryption", cipher.NameNone, "payload cipher (none|xchacha20poly1305)")
	cmd.Flags().StringVar(&opts.keyHex, "key", "", "shared key as hex")
	cmd.Flags().StringVar(&opts.keyLabel, "key-label", "", "derive the session key from TLS with this exporter label")
	cmd.Flags().BoolVar(&opts.tls.Enabled, "tls", false, "connect over TLS")
	cmd.Flags().StringVar(&opts.tls.CAFile, "tls-ca", "", "CA bundle for verifying the server")
	cmd.Flags().StringVar(&opts.tls.CertFile, "tls-cert", "", "client certificate for mutual TLS")
	cmd.Flags().StringVar(&opts.tls.KeyFile, "tls-key", "", "client private key for mutual TLS")
	cmd.Flags().StringVar(&opts.tls.ServerName, "tls-server-name", "", "override the expected server name")
	cmd.Flags().BoolVar(&opts.tls.InsecureSkipVerify, "tls-insecure", false, "skip server certificate verification")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "overall timeout")
	return cmd
}

func runSend(ctx context.Context, opts sendOptions) (string, error) {
	reg, err := demoRegistry()
	if err != nil {
		return "", err
	}
	c, err := cipher.New(opts.encryption)
	if err != nil {
		return "", err
	}
	key, err := cipher.ParseKey(opts.encryption, opts.keyHex)
	if err != nil {
		return "", err
	}
	cfg := transport.DefaultClientConfig()
	cfg.Addr = opts.addr
	cfg.Cipher = c
	cfg.Key = key
	cfg.KeyLabel = opts.keyLabel
	cfg.TLS = opts.tls
	cfg.TLS.Mutual = opts.tls.CertFile != ""
	client, err := transport.Dial(ctx, cfg, reg)
	if err != nil {
		return "", err
	}
	defer client.Close()

	var msg any = Ping{}
	switch {
	case opts.text != "":
		msg = Chat(opts.text)
	case opts.note != "":
		msg = wrapperspb.String(opts.note)
	case opts.move != "":
		m, err := parseMove(opts.move)
		if err != nil {
			return "", err
		}
		msg = m
	}
	if err := client.Send(ctx, msg); err != nil {
		return "", err
	}
	reply, err := client.Receive(ctx)
	if err != nil {
		return "", err
	}
	switch v := reply.Payload.(type) {
	case Ping:
		return "pong", nil
	case Chat:
		return string(v), nil
	case *wrapperspb.StringValue:
		return v.GetValue(), nil
	case Move:
		return fmt.Sprintf("move seq=%d dx=%d dy=%d", v.Seq, v.DX, v.DY), nil
	default:
		return fmt.Sprintf("%s id=%d", reply.Name, reply.ID), nil
	}
}

func parseMove(raw string) (Move, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return Move{}, fmt.Errorf("move must be dx,dy: %q", raw)
	}
	dx, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return Move{}, fmt.Errorf("move dx: %w", err)
	}
	dy, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		return Move{}, fmt.Errorf("move dy: %w", err)
	}
	return Move{DX: int32(dx), DY: int32(dy)}, nil
}
