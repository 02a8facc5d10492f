package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bridge-dispatch/internal/config"

	"github.com/spf13/cobra"
	otelgrpc "go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// InspectCmd prints the readiness and status of a running dispatcher.
func InspectCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the health and queue status of a running dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			out := cmd.OutOrStdout()
			if cfg.GrpcListenAddr != "" {
				if err := printHealth(ctx, out, dialAddr(cfg.GrpcListenAddr)); err != nil {
					return err
				}
			}
			return printStatus(ctx, out, "http://"+dialAddr(cfg.HttpListenAddr)+"/status")
		},
	}
	cmd.Flags().Duration("timeout", 5*time.Second, "how long to wait for the dispatcher")
	return cmd
}

func printHealth(ctx context.Context, w io.Writer, addr string) error {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	raw, err := protojson.Marshal(resp)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "health: %s\n", raw)
	return nil
}

func printStatus(ctx context.Context, w io.Writer, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request returned %s", resp.Status)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return fmt.Errorf("invalid status response: %w", err)
	}
	fmt.Fprintf(w, "status: %s\n", pretty.String())
	return nil
}

// dialAddr turns a listen address such as ":8080" into one a client can dial.
func dialAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return strings.Replace(listen, "0.0.0.0", "localhost", 1)
}
