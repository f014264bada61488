package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ycx81/safety-supervisor/pkg/tls"
)

var (
	certOut  string
	keyOut   string
	certName string
	certSANs []string
)

var gencertCmd = &cobra.Command{
	Use:   "gencert",
	Short: "Generate a self-signed TLS certificate for the supervisor API",
	Long:  `Generates a self-signed certificate and key pair suitable for serving the supervisor API over TLS in development and lab deployments.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := tls.GenerateSelfSignedCert(certOut, keyOut, certName, certSANs...); err != nil {
			return err
		}
		fmt.Printf("Certificate written to %s, key written to %s\n", certOut, keyOut)
		return nil
	},
}

func init() {
	gencertCmd.Flags().StringVar(&certOut, "cert", "supervisor.crt", "output certificate file")
	gencertCmd.Flags().StringVar(&keyOut, "key", "supervisor.key", "output key file")
	gencertCmd.Flags().StringVar(&certName, "name", "safety-supervisor", "certificate common name")
	gencertCmd.Flags().StringSliceVar(&certSANs, "san", nil, "additional IPs or hostnames to include")
	rootCmd.AddCommand(gencertCmd)
}
