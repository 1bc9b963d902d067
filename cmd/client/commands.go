package client

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/slicerpc/cmd/util"
	"github.com/ValentinKolb/slicerpc/rpc/client"
	"github.com/ValentinKolb/slicerpc/rpc/encoding"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// CallCmd invokes an operation with string arguments
	CallCmd = &cobra.Command{
		Use:   "call <operation> [args...]",
		Short: "Invoke an operation on a remote object",
		Long: util.WrapString(`Invoke an operation on a remote object. Every argument is encoded as a string parameter.
The result is printed as string if it decodes as a single string, otherwise as hex dump.`),
		Args: cobra.MinimumNArgs(1),
		RunE: runCall,
	}

	// PingCmd checks that a remote object exists and prints its type ids
	PingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Ping a remote object",
		Args:  cobra.NoArgs,
		RunE:  runPing,
	}
)

func init() {
	setupProxyFlags(CallCmd)
	CallCmd.Flags().Bool("oneway", false, util.WrapString("Send the request without waiting for a response"))
	CallCmd.Flags().Bool("idempotent", false, util.WrapString("Mark the operation idempotent, allowing retries after the request was sent"))
	CallCmd.Flags().Bool("raw", false, util.WrapString("Treat the single argument as hex encoded parameter payload"))

	setupProxyFlags(PingCmd)
	PingCmd.Flags().Int("count", 1, util.WrapString("Number of pings to send"))
	PingCmd.Flags().Bool("ids", false, util.WrapString("Also print the type ids of the object"))
}

func runCall(cmd *cobra.Command, args []string) error {
	operation := args[0]
	payload, err := encodeCallArgs(proxy.Encoding(), args[1:], viper.GetBool("raw"))
	if err != nil {
		return err
	}

	var opts []client.InvokeOption
	if viper.GetBool("oneway") {
		opts = append(opts, client.Oneway())
	}
	if viper.GetBool("idempotent") {
		opts = append(opts, client.Idempotent())
	}

	result, err := proxy.Invoke(cmd.Context(), operation, payload, opts...)
	if err != nil {
		return err
	}
	if viper.GetBool("oneway") {
		fmt.Println("sent")
		return nil
	}
	fmt.Println(formatResult(proxy.Encoding(), result))
	return nil
}

func runPing(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	count := max(viper.GetInt("count"), 1)
	for i := 0; i < count; i++ {
		start := time.Now()
		if err := proxy.Ping(ctx); err != nil {
			return err
		}
		fmt.Printf("%s: seq=%d time=%s\n", proxy, i, time.Since(start))
	}

	if viper.GetBool("ids") {
		ids, err := proxy.IDs(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("type ids: %s\n", strings.Join(ids, ", "))
	}
	return nil
}

// encodeCallArgs encodes the command line arguments as parameter payload
func encodeCallArgs(enc encoding.Encoding, args []string, raw bool) ([]byte, error) {
	if raw {
		if len(args) != 1 {
			return nil, fmt.Errorf("raw mode expects exactly one hex argument, got %d", len(args))
		}
		return hex.DecodeString(args[0])
	}
	return protocol.EncodeArgs(enc, func(e *encoding.Encoder) {
		for _, a := range args {
			e.EncodeString(a)
		}
	})
}

// formatResult prints a result that is a single string as such and anything
// else as hex dump
func formatResult(enc encoding.Encoding, result []byte) string {
	if len(result) == 0 {
		return "(void)"
	}
	var s string
	err := protocol.DecodeArgs(enc, result, func(d *encoding.Decoder) (err error) {
		s, err = d.DecodeString()
		return err
	})
	if err == nil {
		return s
	}
	return strings.TrimRight(hex.Dump(result), "\n")
}
