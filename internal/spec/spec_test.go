package spec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadValidSpec(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "weave.spec.json", `{
		"name": "echo-app",
		"runnables": {
			"echo": {"resource": {"vcores": 1, "memoryMB": 1024, "instances": 2}, "localFiles": [], "runnableSpec": {}}
		},
		"orders": [{"names": ["echo"], "type": "STARTED"}],
		"eventHandler": {"classname": "shutdown-on-timeout"}
	}`)

	app, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "echo-app", app.Name)
	assert.Equal(t, 2, app.Runnables["echo"].Resource.Instances)
	assert.Len(t, app.Orders, 1)
}

func TestLoadMissingFileIsFatal(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadMalformedJSONIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "weave.spec.json", `{not json`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsUnknownRunnableInOrder(t *testing.T) {
	app := &Application{
		Name:      "a",
		Runnables: map[string]RuntimeSpec{},
		Orders:    []Order{{Names: []string{"missing"}, Type: OrderStarted}},
	}
	assert.Error(t, app.Validate())
}

func TestValidateRejectsRunnableInTwoOrders(t *testing.T) {
	app := &Application{
		Name: "a",
		Runnables: map[string]RuntimeSpec{
			"echo": {Resource: ResourceSpec{VCores: 1, MemoryMB: 512, Instances: 1}},
		},
		Orders: []Order{
			{Names: []string{"echo"}, Type: OrderStarted},
			{Names: []string{"echo"}, Type: OrderCompleted},
		},
	}
	assert.Error(t, app.Validate())
}

func TestLoadArgumentsAndLocalizedFilesOptional(t *testing.T) {
	dir := t.TempDir()

	args, err := LoadArguments(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, args)

	path := writeFile(t, dir, "arguments.json", `{"echo": ["--flag", "value"]}`)
	args, err = LoadArguments(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"--flag", "value"}, args["echo"])

	lfPath := writeFile(t, dir, "localizeFiles.json", `[{"runnableName":"echo","source":"s3://a","dest":"./a"}]`)
	files, err := LoadLocalizedFiles(lfPath)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "echo", files[0].RunnableName)
}
