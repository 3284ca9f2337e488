package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlasmap-sc/ctw/internal/upload"
)

func (a *app) uploadCommand() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "upload-worksheet CTW_PATH CREDENTIALS_PATH",
		Short: "Upload a worksheet archive to the catalog service",
		Long: `Upload sends the archive once. The endpoint is taken from --endpoint, then
the credentials file, then $CTW_UPLOAD_ENDPOINT or the config file.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := upload.LoadCredentials(args[1])
			if err != nil {
				return err
			}
			if endpoint != "" {
				creds.Endpoint = endpoint
			}

			client := upload.NewClient(a.cfg.Upload.Endpoint, a.logger,
				upload.WithHTTPClient(&http.Client{Timeout: a.cfg.UploadTimeout()}))
			receipt, err := client.Upload(cmd.Context(), args[0], creds)
			if err != nil {
				return err
			}

			a.logger.Info("Upload accepted",
				zap.Int("status", receipt.StatusCode),
				zap.String("request_id", receipt.RequestID),
				zap.String("id", receipt.ID))
			if receipt.URL != "" {
				_, err = fmt.Fprintln(a.stdout, receipt.URL)
			} else {
				_, err = fmt.Fprintf(a.stdout, "uploaded %s (request %s)\n", args[0], receipt.RequestID)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Catalog upload URL")
	return cmd
}
