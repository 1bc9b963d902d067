package util

import (
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parseFlags binds a fresh command with the config flags set to args
func parseFlags(t *testing.T, args ...string) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := &cobra.Command{Use: "test"}
	SetupConfigFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	require.NoError(t, BindCommandFlags(cmd))
}

func TestGetConfigDefaults(t *testing.T) {
	parseFlags(t)
	conf, err := GetConfig()
	require.NoError(t, err)
	assert.Equal(t, common.DefaultConfig(), conf)
}

func TestGetConfigFlags(t *testing.T) {
	parseFlags(t,
		"--protocol", "ice1",
		"--retry-intervals", "0,100ms,1s",
		"--idle-timeout", "30s",
		"--endpoint-selection", "random",
		"--slic-packet-size", "16",
		"--collocation=false",
		"--trace-retry", "2",
	)
	conf, err := GetConfig()
	require.NoError(t, err)

	assert.Equal(t, common.ProtocolIce1, conf.DefaultProtocol)
	assert.Equal(t, []time.Duration{0, 100 * time.Millisecond, time.Second}, conf.RetryIntervals)
	assert.Equal(t, 3, conf.MaxRetries())
	assert.Equal(t, 30*time.Second, conf.IdleTimeout)
	assert.Equal(t, common.EndpointSelectionRandom, conf.EndpointSelection)
	assert.Equal(t, 16*1024, conf.Slic.PacketMaxSize)
	assert.False(t, conf.CollocationOptimized)
	assert.Equal(t, 2, conf.Trace.Retry)
}

func TestGetConfigNoRetries(t *testing.T) {
	parseFlags(t, "--retry-intervals", "")
	conf, err := GetConfig()
	require.NoError(t, err)
	assert.Zero(t, conf.MaxRetries())
}

func TestGetConfigInvalid(t *testing.T) {
	tests := map[string][]string{
		"log level":      {"--log-level", "loud"},
		"protocol":       {"--protocol", "ice3"},
		"retry interval": {"--retry-intervals", "soon"},
		"class format":   {"--class-format", "fancy"},
		"packet size":    {"--slic-packet-size", "0"},
		"missing cert":   {"--tls-cert", "/does/not/exist.pem"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			parseFlags(t, args...)
			_, err := GetConfig()
			assert.Error(t, err)
		})
	}
}

func TestGetConfigInsecureTLS(t *testing.T) {
	parseFlags(t, "--tls-insecure")
	conf, err := GetConfig()
	require.NoError(t, err)
	require.NotNil(t, conf.TLSConfig)
	assert.True(t, conf.TLSConfig.InsecureSkipVerify)
}

func TestParseEndpoints(t *testing.T) {
	eps, err := ParseEndpoints("tcp://localhost:10000, ws://localhost:10001/rpc?protocol=ice2", common.ProtocolIce1)
	require.NoError(t, err)
	require.Len(t, eps, 2)

	assert.Equal(t, "tcp", eps[0].Transport)
	assert.Equal(t, uint16(10000), eps[0].Port)
	assert.Equal(t, common.ProtocolIce1, eps[0].Protocol)

	assert.Equal(t, "ws", eps[1].Transport)
	assert.Equal(t, common.ProtocolIce2, eps[1].Protocol)
	path, _ := eps[1].Option(common.OptionPath)
	assert.Equal(t, "/rpc", path)

	_, err = ParseEndpoints(" , ", common.ProtocolIce2)
	assert.Error(t, err)
	_, err = ParseEndpoints("localhost:10000", common.ProtocolIce2)
	assert.Error(t, err)
}

func TestParseContext(t *testing.T) {
	ctx, err := ParseContext([]string{"tenant=a", "trace=", "k=v=w"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tenant": "a", "trace": "", "k": "v=w"}, ctx)

	_, err = ParseContext([]string{"novalue"})
	assert.Error(t, err)
	_, err = ParseContext([]string{"=x"})
	assert.Error(t, err)
}

func TestWrapString(t *testing.T) {
	wrapped := WrapString("aaaa bbbb cccc dddd eeee ffff gggg hhhh iiii jjjj kkkk llll")
	for _, line := range strings.Split(wrapped, "\n") {
		assert.LessOrEqual(t, len(line), Wrap)
	}
	assert.Equal(t, "short text", WrapString("  short   text "))
}
