package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"chainbft_finality/randpatypes"
)

// GenSignatureProviderCmd generates a fresh secp256k1 keypair for use as a
// --producer-name signature provider, mirroring gen_node_key.go's
// generate-and-print shape.
var GenSignatureProviderCmd = &cobra.Command{
	Use:     "gen-signature-provider",
	Aliases: []string{"gen_signature_provider"},
	Short:   "Generate a signature-provider keypair and print its public key",
	RunE:    genSignatureProvider,
}

func genSignatureProvider(cmd *cobra.Command, args []string) error {
	provider := randpatypes.GenLocalSignatureProvider()
	fmt.Println(provider.PublicKey().String())
	return nil
}
