package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"shapelake/internal/domain"
)

// newIngestCmd runs a full ingestion from a YAML manifest: create a session,
// stage the components, parse, apply the manual schema if one is declared,
// set the destination, upload, and wait for completion.
func newIngestCmd(client func() *Client) *cobra.Command {
	var (
		manifestPath string
		timeout      time.Duration
		keep         bool
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a shapefile bundle described by a manifest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			c := client()

			sess, err := c.CreateSession()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s created\n", sess.ID)

			for kind, path := range m.componentPaths() {
				if err := c.UploadComponent(sess.ID, kind, path); err != nil {
					return fmt.Errorf("upload .%s: %w", kind, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "staged .%s from %s\n", kind, path)
			}

			if fields := m.SchemaFields(); fields != nil {
				if err := c.SetSchema(sess.ID, fields); err != nil {
					return err
				}
			}
			if err := c.SetDestination(sess.ID, domain.DestinationConfig{
				Table:     m.Destination.Table,
				BatchSize: m.Destination.BatchSize,
			}); err != nil {
				return err
			}

			if err := c.StartParse(sess.ID); err != nil {
				return err
			}
			sess, err = c.WaitFor(sess.ID, domain.StatusParsed, timeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "parsed %d features (%s)\n",
				sess.TotalFeatures, sess.GeometryType)

			if err := c.StartUpload(sess.ID); err != nil {
				return err
			}
			sess, err = c.WaitFor(sess.ID, domain.StatusCompleted, timeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d features into %q\n",
				sess.ProcessedFeatures, m.Destination.Table)

			if !keep {
				if err := c.DeleteSession(sess.ID); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "f", "", "path to the ingestion manifest (required)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "how long to wait for each pass")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the session after a successful upload")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}
