package client

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/slicerpc/cmd/util"
	"github.com/ValentinKolb/slicerpc/rpc/client"
	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/communicator"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	comm  *communicator.Communicator
	proxy *client.Proxy
)

// setupProxyFlags adds the flags describing the target object to a command
func setupProxyFlags(cmd *cobra.Command) {
	cmd.PersistentPreRunE = setupProxy
	cmd.PersistentPostRunE = destroyCommunicator

	cmd.Flags().String("endpoints", "tcp://127.0.0.1:10000", util.WrapString("Comma-separated endpoints of the target object (e.g. tcp://host:10000?protocol=ice1,ws://host:10001/rpc)"))
	cmd.Flags().String("identity", "echo", util.WrapString("Identity of the target object ([category/]name)"))
	cmd.Flags().String("facet", "", util.WrapString("Facet of the target object"))
	cmd.Flags().StringSlice("context", nil, util.WrapString("Request context entries (key=value, repeatable)"))
}

// setupProxy creates the communicator and the proxy of the target object
func setupProxy(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	id, err := common.ParseIdentity(viper.GetString("identity"))
	if err != nil {
		return err
	}
	requestContext, err := util.ParseContext(viper.GetStringSlice("context"))
	if err != nil {
		return err
	}

	comm, err = util.NewCommunicator()
	if err != nil {
		return err
	}
	eps, err := util.ParseEndpoints(viper.GetString("endpoints"), comm.Config().DefaultProtocol)
	if err != nil {
		return err
	}

	proxy = comm.Proxy(id, eps...).WithFacet(viper.GetString("facet"))
	if len(requestContext) > 0 {
		proxy = proxy.WithContext(requestContext)
	}
	return nil
}

// destroyCommunicator shuts the communicator down after the command ran
func destroyCommunicator(_ *cobra.Command, _ []string) error {
	if comm == nil {
		return nil
	}
	ctx := context.Background()
	if timeout := comm.Config().CloseTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := comm.Destroy(ctx); err != nil {
		return fmt.Errorf("destroy communicator: %w", err)
	}
	return nil
}
