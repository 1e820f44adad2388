package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/queuegate"
	"github.com/glimte/queuegate/broker"
	"github.com/glimte/queuegate/health"
	"github.com/glimte/queuegate/transports/rest"
)

func newServeCmd(g *globals) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			gw, cfg, logger, err := g.gateway(ctx)
			if err != nil {
				return err
			}
			defer gw.Close()

			if listen == "" {
				listen = cfg.Listen
			}

			checks := health.ForRegistry(gw.Registry(), logger)
			checks.SetMetadata("version", version)

			srv := rest.NewServer(gw,
				rest.WithLogger(logger),
				rest.WithHeaderPrefix(cfg.HeaderPrefix),
				rest.WithHealth(health.NewHandler(checks, 10*time.Second)),
			)
			return srv.ListenAndServe(ctx, listen)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides the config)")
	return cmd
}

func newBrowseCmd(g *globals) *cobra.Command {
	var selector string

	cmd := &cobra.Command{
		Use:   "browse <endpoint> <queue>",
		Short: "List the ids of the messages pending on a queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			gw, _, _, err := g.gateway(ctx)
			if err != nil {
				return err
			}
			defer gw.Close()

			res, err := gw.ListPending(ctx, args[0], args[1], queuegate.WithSelector(selector))
			if err != nil {
				return err
			}

			switch res.Reason {
			case queuegate.ReasonEndpointUnknown:
				return fmt.Errorf("%w: %s", broker.ErrEndpointNotFound, args[0])
			case queuegate.ReasonNothingPending:
				fmt.Fprintf(cmd.ErrOrStderr(), "no messages pending on %s\n", args[1])
				return nil
			}

			out := cmd.OutOrStdout()
			for _, id := range res.MessageIDs {
				fmt.Fprintln(out, id)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&selector, "selector", "s", "", "only list messages matching this selector")
	return cmd
}

func newSendCmd(g *globals) *cobra.Command {
	var rawHeaders []string

	cmd := &cobra.Command{
		Use:   "send <endpoint> <queue> <payload>",
		Short: "Publish a text message to the endpoint's default destination",
		Long: `Publish a text message to the endpoint's default destination.

The payload "-" reads the message from standard input. Header values are
typed: true and false become booleans, integers and decimals become
numbers, anything else stays a string.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			headers, err := parseHeaders(rawHeaders)
			if err != nil {
				return err
			}

			payload := args[2]
			if payload == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read payload: %w", err)
				}
				payload = string(data)
			}

			ctx := cmd.Context()
			gw, _, _, err := g.gateway(ctx)
			if err != nil {
				return err
			}
			defer gw.Close()

			res, err := gw.Send(ctx, args[0], args[1], payload, headers)
			if err != nil {
				return err
			}
			if res.Status == queuegate.StatusNotFound {
				return fmt.Errorf("%w: %s", broker.ErrEndpointNotFound, args[0])
			}

			fmt.Fprintln(cmd.OutOrStdout(), res.MessageID)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&rawHeaders, "header", "H", nil, "message property as key=value (repeatable)")
	return cmd
}

func newEndpointsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "endpoints",
		Short: "List the configured endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			gw, _, _, err := g.gateway(ctx)
			if err != nil {
				return err
			}
			defer gw.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-20s %-40s %-20s\n", "Name", "URI", "Default destination")
			fmt.Fprintln(out, strings.Repeat("-", 80))
			for _, name := range gw.Endpoints() {
				ep, _ := gw.Registry().Lookup(name)
				fmt.Fprintf(out, "%-20s %-40s %-20s\n", ep.Name, ep.URI, ep.DefaultDestination)
			}
			return nil
		},
	}
}

func newHealthCmd(g *globals) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that every endpoint is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := contextWithTimeout(cmd, timeout)
			defer cancel()

			gw, _, logger, err := g.gateway(ctx)
			if err != nil {
				return err
			}
			defer gw.Close()

			overall := health.ForRegistry(gw.Registry(), logger).Check(ctx)
			printHealth(cmd.OutOrStdout(), overall)
			if overall.Status == health.StatusUnhealthy {
				return errors.New("unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "overall check timeout")
	return cmd
}

func printHealth(out io.Writer, overall health.OverallHealth) {
	fmt.Fprintf(out, "System Health: %s\n\n", overall.Status)

	names := make([]string, 0, len(overall.Checks))
	for name := range overall.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(out, "%-30s %-10s %s\n", "Check", "Status", "Message")
	fmt.Fprintln(out, strings.Repeat("-", 80))
	for _, name := range names {
		c := overall.Checks[name]
		msg := c.Message
		if c.Error != "" {
			msg = fmt.Sprintf("%s: %s", msg, c.Error)
		}
		fmt.Fprintf(out, "%-30s %-10s %s\n", name, c.Status, msg)
	}
}

// parseHeaders turns repeated key=value flags into message properties,
// keeping their command line order.
func parseHeaders(raw []string) (broker.Headers, error) {
	headers := make(broker.Headers, 0, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, want key=value", kv)
		}
		headers = append(headers, broker.Header{Key: key, Value: parseHeaderValue(value)})
	}
	return headers, nil
}

func parseHeaderValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	return s
}

func contextWithTimeout(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
