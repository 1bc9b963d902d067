package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	cmdUtil "github.com/ValentinKolb/slicerpc/cmd/util"
	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/encoding"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
	"github.com/ValentinKolb/slicerpc/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EchoTypeID is the type id of the servant hosted by the serve command
const EchoTypeID = "::Slicerpc::Echo"

var (
	ServeCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start a slicerpc server hosting an echo object",
		Long: cmdUtil.WrapString(`Start a server hosting an echo object on the given endpoints. The configuration can be set via command line flags or environment variables.
The format of the environment variables is SLICERPC_<flag> (e.g. SLICERPC_IDLE_TIMEOUT=30s)`),
		Args:    cobra.NoArgs,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	key := "endpoints"
	ServeCmd.Flags().String(key, "tcp://127.0.0.1:10000", cmdUtil.WrapString("Comma-separated endpoints to listen on (e.g. tcp://0.0.0.0:10000,ws://0.0.0.0:10001/rpc?protocol=ice1,unix:///tmp/slicerpc.sock)"))

	key = "adapter"
	ServeCmd.Flags().String(key, "echo", cmdUtil.WrapString("Name of the object adapter"))

	key = "identity"
	ServeCmd.Flags().String(key, "echo", cmdUtil.WrapString("Identity of the echo object ([category/]name)"))

	key = "default-servant"
	ServeCmd.Flags().Bool(key, false, cmdUtil.WrapString("Also serve requests for unknown identities with the echo servant"))

	key = "metrics-endpoint"
	ServeCmd.Flags().String(key, "", cmdUtil.WrapString("Address on which metrics are served in prometheus format (e.g. :9100), empty disables"))
}

// processConfig binds the command line flags to viper
func processConfig(cmd *cobra.Command, _ []string) error {
	return cmdUtil.BindCommandFlags(cmd)
}

func run(cmd *cobra.Command, _ []string) error {
	comm, err := cmdUtil.NewCommunicator()
	if err != nil {
		return err
	}
	fmt.Println("Configuration:")
	fmt.Println(comm.Config().String())

	id, err := common.ParseIdentity(viper.GetString("identity"))
	if err != nil {
		return err
	}
	eps, err := cmdUtil.ParseEndpoints(viper.GetString("endpoints"), comm.Config().DefaultProtocol)
	if err != nil {
		return err
	}

	adapter, err := comm.CreateObjectAdapter(viper.GetString("adapter"))
	if err != nil {
		return err
	}
	if err := adapter.Use(server.LoggingInterceptor(common.Backend())); err != nil {
		return err
	}

	servant := NewEchoServant()
	if err := adapter.Add(id, servant); err != nil {
		return err
	}
	if viper.GetBool("default-servant") {
		if err := adapter.AddDefaultServant("", servant); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	if err := adapter.Activate(ctx, eps...); err != nil {
		return errors.Join(err, comm.Destroy(context.Background()))
	}
	for _, ep := range adapter.Endpoints() {
		fmt.Printf("serving %s on %s\n", id, ep)
	}

	var metricsServer *http.Server
	if addr := viper.GetString("metrics-endpoint"); addr != "" {
		metricsServer = serveMetrics(addr)
	}

	<-ctx.Done()
	fmt.Println("shutting down...")

	shutdownCtx := context.Background()
	if timeout := comm.Config().CloseTimeout; timeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(shutdownCtx, timeout)
		defer cancel()
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return comm.Destroy(shutdownCtx)
}

// serveMetrics serves the process metrics at /metrics
func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		common.WritePrometheus(w)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			common.Backend().Errorf("metrics endpoint %s: %v", addr, err)
		}
	}()
	fmt.Printf("serving metrics on %s/metrics\n", addr)
	return srv
}

// NewEchoServant creates the servant hosted by the serve command. "echo"
// returns its parameters unchanged and "sleep" waits for the duration given
// as string parameter.
func NewEchoServant() *server.Servant {
	return server.NewServant(EchoTypeID, map[string]server.OperationHandler{
		"echo": func(_ context.Context, req *protocol.IncomingRequest) (*protocol.OutgoingResponse, error) {
			return protocol.NewOkResponse(req.Encoding, req.Payload), nil
		},
		"sleep": func(ctx context.Context, req *protocol.IncomingRequest) (*protocol.OutgoingResponse, error) {
			var arg string
			err := protocol.DecodeArgs(req.Encoding, req.Payload, func(d *encoding.Decoder) (err error) {
				arg, err = d.DecodeString()
				return err
			})
			if err != nil {
				return nil, err
			}
			d, err := time.ParseDuration(arg)
			if err != nil {
				return nil, common.NewUnknownError(common.ReplyUnknownException, err.Error())
			}
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return protocol.NewOkResponse(req.Encoding, nil), nil
		},
	})
}
