package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/hlstree/internal/crypto"
	"github.com/jmylchreest/hlstree/internal/version"
	"github.com/jmylchreest/hlstree/pkg/hls"
	"github.com/jmylchreest/hlstree/pkg/httpclient"
)

var (
	probeTimeout time.Duration
	probeHeaders []string
	probePrepare bool
)

// probeCmd opens a manifest and prints the resulting presentation tree.
var probeCmd = &cobra.Command{
	Use:   "probe <manifest-url>",
	Short: "Open an HLS manifest and print the presentation tree",
	Long: `Probe downloads a master playlist, optionally prepares every
representation by loading its media playlist, and prints the resulting
tree of periods, adaptation sets, representations and segments.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 60*time.Second, "overall probe timeout")
	probeCmd.Flags().StringArrayVar(&probeHeaders, "header", nil, "extra manifest request header (Name: Value), repeatable")
	probeCmd.Flags().BoolVar(&probePrepare, "prepare", true, "prepare representations (load media playlists)")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	userAgent := cfg.HTTP.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	client := httpclient.New(httpclient.Config{
		Timeout:       cfg.HTTP.Timeout,
		RetryAttempts: cfg.HTTP.RetryAttempts,
		RetryDelay:    cfg.HTTP.RetryDelay,
		UserAgent:     userAgent,
		Logger:        logger,
	})

	tree := hls.NewTree(hls.Options{
		Client:    client,
		Decrypter: crypto.NewAESDecrypter(cfg.Stream.LicenseKey),
		Logger:    logger,
		Settings: hls.Settings{
			AssuredBufferDuration: cfg.Stream.AssuredBufferDuration,
			MaxBufferDuration:     cfg.Stream.MaxBufferDuration,
			RefreshMinInterval:    cfg.Refresh.MinInterval,
			RefreshMaxWait:        cfg.Refresh.MaxWait,
		},
	})
	defer tree.Close()

	headers, err := parseHeaderFlags(probeHeaders)
	if err != nil {
		return err
	}

	if err := tree.Open(ctx, args[0], headers); err != nil {
		return fmt.Errorf("opening manifest: %w", err)
	}

	if probePrepare {
		for _, period := range tree.Periods() {
			for _, adp := range period.AdaptationSets {
				for _, rep := range adp.Representations {
					if rep.IsIncludedStream {
						continue
					}
					result := tree.PrepareRepresentation(ctx, period, adp, rep, false)
					if result == hls.PrepareFailure {
						fmt.Fprintf(os.Stderr, "failed to prepare %s\n", rep.SourceURL)
					}
				}
			}
		}
	}

	printTree(tree)
	return nil
}

func printTree(tree *hls.Tree) {
	fmt.Printf("manifest: %s\n", tree.ManifestURL())
	fmt.Printf("live: %v  total duration: %ds  periods: %d\n\n",
		tree.IsLive(), tree.TotalDurationSecs(), len(tree.Periods()))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	for pi, period := range tree.Periods() {
		fmt.Fprintf(w, "period %d\tsequence=%d\tduration=%d/%d\n",
			pi, period.Sequence, period.Duration, period.Timescale)
		for _, adp := range period.AdaptationSets {
			fmt.Fprintf(w, "  %s\tlang=%s\tname=%q\n", adp.StreamType, adp.Language, adp.Name)
			for _, rep := range adp.Representations {
				var details []string
				if rep.Bandwidth > 0 {
					details = append(details, fmt.Sprintf("%d bps", rep.Bandwidth))
				}
				if rep.Width > 0 {
					details = append(details, fmt.Sprintf("%dx%d", rep.Width, rep.Height))
				}
				if codecs := rep.Codecs(); len(codecs) > 0 {
					details = append(details, strings.Join(codecs, ","))
				}
				if rep.IsIncludedStream {
					details = append(details, "included")
				}
				fmt.Fprintf(w, "    rep\t%s\tsegments=%d\tcontainer=%s\n",
					strings.Join(details, " "), len(rep.Timeline), rep.ContainerType)
			}
		}
	}
}

// parseHeaderFlags converts repeated "Name: Value" flags into a header map.
func parseHeaderFlags(flags []string) (map[string]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(flags))
	for _, h := range flags {
		idx := strings.IndexByte(h, ':')
		if idx <= 0 {
			return nil, fmt.Errorf("invalid header %q, expected Name: Value", h)
		}
		headers[strings.TrimSpace(h[:idx])] = strings.TrimSpace(h[idx+1:])
	}
	return headers, nil
}
