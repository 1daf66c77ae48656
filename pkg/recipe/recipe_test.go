package recipe_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/max-te/kleinladungstraeger/pkg/errdefs"
	"github.com/max-te/kleinladungstraeger/pkg/recipe"
)

func TestParse_MinimalRecipe(t *testing.T) {
	doc := `
[base]
image = "docker.io/library/distroless:latest"

[target]
registry = "registry.example"
repo = "team/app"
tags = ["v1", "latest"]

[modification]
app_layer_folder = "./rootfs"
`
	r, err := recipe.Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "docker.io/library/distroless:latest", r.Base.Image)
	assert.Equal(t, "docker.io/library/distroless:latest", r.Base.Reference())
	assert.Equal(t, []string{"v1", "latest"}, r.Target.Tags)
	assert.Equal(t, "./rootfs", r.Modification.AppLayerFolder)
	assert.Nil(t, r.Base.Auth)
	assert.False(t, r.Modification.ExecutionConfig.HasUser())
}

func TestParse_BaseFromRegistryRepoTag(t *testing.T) {
	doc := `
[base]
registry = "registry.example"
repo = "base/distroless"
tag = "12"

[target]
registry = "registry.example"
repo = "team/app"
tags = ["v1"]

[modification]
app_layer_folder = "./rootfs"
`
	r, err := recipe.Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "registry.example/base/distroless:12", r.Base.Reference())
}

func TestParse_TwoElementAuthArray(t *testing.T) {
	doc := `
[base]
image = "docker.io/library/distroless:latest"
auth = ["reader", "swordfish"]

[target]
registry = "registry.example"
repo = "team/app"
tags = ["v1"]
auth = ["writer", "hunter2"]

[modification]
app_layer_folder = "./rootfs"
`
	r, err := recipe.Parse([]byte(doc))
	require.NoError(t, err)

	require.NotNil(t, r.Base.Auth)
	assert.Equal(t, "reader", r.Base.Auth.User)
	assert.Equal(t, "swordfish", r.Base.Auth.Secret)

	require.NotNil(t, r.Target.Auth)
	assert.Equal(t, "writer", r.Target.Auth.User)
	assert.Equal(t, "hunter2", r.Target.Auth.Secret)
}

func TestParse_AuthUserOnlyNoSecret(t *testing.T) {
	doc := `
[base]
image = "docker.io/library/distroless:latest"
auth = ["anonymous-ish"]

[target]
registry = "registry.example"
repo = "team/app"
tags = ["v1"]

[modification]
app_layer_folder = "./rootfs"
`
	r, err := recipe.Parse([]byte(doc))
	require.NoError(t, err)
	require.NotNil(t, r.Base.Auth)
	assert.Equal(t, "anonymous-ish", r.Base.Auth.User)
	assert.Empty(t, r.Base.Auth.Secret)
}

func TestParse_ExpandsDollarEnvReferences(t *testing.T) {
	t.Setenv("KLT_TEST_SECRET", "s3cr3t")
	t.Setenv("KLT_TEST_LABEL", "release-42")

	doc := `
[base]
image = "docker.io/library/distroless:latest"

[target]
registry = "registry.example"
repo = "team/app"
tags = ["v1"]
auth = ["writer", "$KLT_TEST_SECRET"]

[modification]
app_layer_folder = "./rootfs"

[modification.execution_config.Labels]
build = "$KLT_TEST_LABEL"
`
	r, err := recipe.Parse([]byte(doc))
	require.NoError(t, err)
	require.NotNil(t, r.Target.Auth)
	assert.Equal(t, "s3cr3t", r.Target.Auth.Secret)
	assert.Equal(t, "release-42", r.Modification.ExecutionConfig.Labels["build"])
}

func TestParse_UndefinedEnvReferenceIsFatal(t *testing.T) {
	doc := `
[base]
image = "docker.io/library/distroless:latest"

[target]
registry = "registry.example"
repo = "team/app"
tags = ["v1"]
auth = ["writer", "$KLT_DEFINITELY_UNSET_VAR"]

[modification]
app_layer_folder = "./rootfs"
`
	_, err := recipe.Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KLT_DEFINITELY_UNSET_VAR")
}

func TestParse_DollarLiteralWithoutNameIsUnchanged(t *testing.T) {
	doc := `
[base]
image = "docker.io/library/distroless:latest"

[target]
registry = "registry.example"
repo = "team/app"
tags = ["v1"]

[modification]
app_layer_folder = "./rootfs"

[modification.execution_config.Labels]
price = "$"
`
	r, err := recipe.Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "$", r.Modification.ExecutionConfig.Labels["price"])
}

func TestParse_ExecutionConfigScalarPresence(t *testing.T) {
	doc := `
[base]
image = "docker.io/library/distroless:latest"

[target]
registry = "registry.example"
repo = "team/app"
tags = ["v1"]

[modification]
app_layer_folder = "./rootfs"

[modification.execution_config]
User = "app"
WorkingDir = "/srv"
StopSignal = "SIGTERM"
Volumes = ["/data", "/tmp"]
`
	r, err := recipe.Parse([]byte(doc))
	require.NoError(t, err)

	ec := r.Modification.ExecutionConfig
	assert.True(t, ec.HasUser())
	assert.Equal(t, "app", ec.User)
	assert.True(t, ec.HasWorkingDir())
	assert.Equal(t, "/srv", ec.WorkingDir)
	assert.True(t, ec.HasStopSignal())
	assert.Equal(t, "SIGTERM", ec.StopSignal)
	_, hasData := ec.Volumes["/data"]
	_, hasTmp := ec.Volumes["/tmp"]
	assert.True(t, hasData)
	assert.True(t, hasTmp)
}

func TestParse_SourceDateEpoch(t *testing.T) {
	doc := `
[base]
image = "docker.io/library/distroless:latest"

[target]
registry = "registry.example"
repo = "team/app"
tags = ["v1"]

[modification]
app_layer_folder = "./rootfs"
source_date_epoch = 1700000000
`
	r, err := recipe.Parse([]byte(doc))
	require.NoError(t, err)
	require.NotNil(t, r.Modification.SourceDateEpoch)
	assert.Equal(t, int64(1700000000), r.Modification.SourceDateEpoch.Unix())
}

func TestValidate_RequiresBaseImageOrRegistryRepo(t *testing.T) {
	doc := `
[target]
registry = "registry.example"
repo = "team/app"
tags = ["v1"]

[modification]
app_layer_folder = "./rootfs"
`
	_, err := recipe.Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base")
}

func TestValidate_RequiresTargetRegistryAndRepo(t *testing.T) {
	doc := `
[base]
image = "docker.io/library/distroless:latest"

[target]
tags = ["v1"]

[modification]
app_layer_folder = "./rootfs"
`
	_, err := recipe.Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target")
}

func TestValidate_RequiresAtLeastOneTag(t *testing.T) {
	doc := `
[base]
image = "docker.io/library/distroless:latest"

[target]
registry = "registry.example"
repo = "team/app"
tags = []

[modification]
app_layer_folder = "./rootfs"
`
	_, err := recipe.Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tag")
}

func TestValidate_RequiresAppLayerFolder(t *testing.T) {
	doc := `
[base]
image = "docker.io/library/distroless:latest"

[target]
registry = "registry.example"
repo = "team/app"
tags = ["v1"]

[modification]
`
	_, err := recipe.Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app_layer_folder")
}

func TestParse_InvalidTOMLIsInvalidParameter(t *testing.T) {
	_, err := recipe.Parse([]byte("not = [valid toml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrInvalidParameter)
}
