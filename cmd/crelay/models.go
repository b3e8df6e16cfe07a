package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/spf13/cobra"
)

func newModelsCmd() *cobra.Command {
	var providerName, region string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models available to a provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch providerName {
			case "bedrock":
				return listBedrockModels(cmd.Context(), region, cmd.OutOrStdout())
			default:
				return fmt.Errorf("model listing is not supported for provider %q", providerName)
			}
		},
	}
	cmd.Flags().StringVar(&providerName, "provider", "bedrock", "provider to query")
	cmd.Flags().StringVar(&region, "region", "", "AWS region (defaults to the SDK chain)")
	return cmd
}

func listBedrockModels(ctx context.Context, region string, w io.Writer) error {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	out, err := bedrock.NewFromConfig(cfg).ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{})
	if err != nil {
		return fmt.Errorf("list foundation models: %w", err)
	}

	type row struct {
		id, vendor string
		streaming  bool
	}
	rows := make([]row, 0, len(out.ModelSummaries))
	for _, m := range out.ModelSummaries {
		rows = append(rows, row{
			id:        aws.ToString(m.ModelId),
			vendor:    aws.ToString(m.ProviderName),
			streaming: aws.ToBool(m.ResponseStreamingSupported),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })

	for _, r := range rows {
		marker := " "
		if r.streaming {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-60s %s\n", marker, r.id, r.vendor)
	}
	fmt.Fprintln(w, "\n* supports streaming (required by the relay)")
	return nil
}
