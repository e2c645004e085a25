package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/branchline/internal/gateway"
)

// checkHealth asks the gRPC health service at addr about each service name.
// The empty name is the gateway as a whole.
func checkHealth(ctx context.Context, addr string, services []string) (map[string]healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	out := make(map[string]healthpb.HealthCheckResponse_ServingStatus, len(services))
	for _, svc := range services {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		if err != nil {
			return nil, fmt.Errorf("health check %q failed: %w", svc, err)
		}
		out[svc] = resp.GetStatus()
	}
	return out, nil
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	var flags remoteFlags

	cmd := &cobra.Command{
		Use:   "health [branch...]",
		Short: "Check a running gateway, or specific branches, over gRPC health",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := flags.resolve(opts)
			if err != nil {
				return err
			}

			services := []string{""}
			labels := map[string]string{"": "gateway"}
			if len(args) > 0 {
				services = services[:0]
				for _, id := range args {
					svc := gateway.HealthService(id)
					services = append(services, svc)
					labels[svc] = id
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			statuses, err := checkHealth(ctx, addr, services)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			unhealthy := 0
			for _, svc := range services {
				st := statuses[svc]
				c := color.New(color.FgGreen)
				if st != healthpb.HealthCheckResponse_SERVING {
					c = color.New(color.FgRed)
					unhealthy++
				}
				fmt.Fprintf(out, "%-12s %s\n", labels[svc], c.Sprint(st.String()))
			}
			if unhealthy > 0 {
				return fmt.Errorf("%d of %d not serving", unhealthy, len(services))
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
