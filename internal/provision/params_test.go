package provision

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wgfleet/internal/fault"
)

type sampleParams struct {
	AMI      string `param:"ami_id" validate:"required"`
	Type     string `param:"instance_type" default:"t2.micro"`
	Port     int    `param:"listen_port" default:"51820" validate:"min=1,max=65535"`
	Wait     bool   `param:"wait" default:"true"`
	Internal string
}

func TestBind_AppliesDefaults(t *testing.T) {
	t.Parallel()

	var p sampleParams
	require.NoError(t, Bind("aws create", map[string]string{"ami_id": "ami-123"}, &p))
	assert.Equal(t, "ami-123", p.AMI)
	assert.Equal(t, "t2.micro", p.Type)
	assert.Equal(t, 51820, p.Port)
	assert.True(t, p.Wait)
}

func TestBind_MissingRequiredIsValidation(t *testing.T) {
	t.Parallel()

	var p sampleParams
	err := Bind("aws create", map[string]string{}, &p)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Validation))
	assert.Contains(t, err.Error(), "ami_id is required")
}

func TestBind_BadInteger(t *testing.T) {
	t.Parallel()

	var p sampleParams
	err := Bind("aws create", map[string]string{"ami_id": "x", "listen_port": "udp"}, &p)
	assert.True(t, fault.Is(err, fault.Validation))
}

func TestBind_RangeCheck(t *testing.T) {
	t.Parallel()

	var p sampleParams
	err := Bind("aws create", map[string]string{"ami_id": "x", "listen_port": "70000"}, &p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen_port must be at most 65535")
}

func TestServerBootstrap_GeneratesKeys(t *testing.T) {
	t.Parallel()

	b, err := ServerBootstrap("gcp create", "", "", DefaultListenPort)
	require.NoError(t, err)
	assert.NotEmpty(t, b.PublicKey)
	assert.Contains(t, b.Script, "ListenPort = 51820")
	assert.Contains(t, b.Script, "Address = 10.0.0.1/24")
	assert.NotEmpty(t, b.Base64())
}

func TestServerBootstrap_EmbedsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wg0.conf")
	require.NoError(t, os.WriteFile(path, []byte("[Interface]\nPrivateKey = abc\n"), 0o600))

	b, err := ServerBootstrap("aws create", path, "", DefaultListenPort)
	require.NoError(t, err)
	assert.Empty(t, b.PublicKey)
	assert.True(t, strings.Contains(b.Script, "PrivateKey = abc"))

	_, err = ServerBootstrap("aws create", filepath.Join(t.TempDir(), "missing.conf"), "", DefaultListenPort)
	assert.True(t, fault.Is(err, fault.Validation))
}
