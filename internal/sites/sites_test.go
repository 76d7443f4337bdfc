package sites

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/sitepresence/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
sites:
  - id: S1
    name: Main Yard
    latitude: 53.3498
    longitude: -6.2603
    auto_trigger_radius: 50
    manual_trigger_radius: 150
  - id: S2
    latitude: 53.35
    longitude: -6.25
    auto_trigger_radius: 80
`

func TestParse_YAML(t *testing.T) {
	list, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, types.SiteID("S1"), list[0].ID)
	assert.Equal(t, "Main Yard", list[0].Name)
	assert.InDelta(t, 50.0, list[0].AutoTriggerRadius, 1e-9)
	assert.InDelta(t, 150.0, list[0].ManualTriggerRadius, 1e-9)
	assert.InDelta(t, 80.0, list[1].ManualTriggerRadius, 1e-9, "manual radius defaults to auto radius")
}

func TestParse_JSON(t *testing.T) {
	list, err := Parse([]byte(`{"sites":[{"id":"S1","latitude":1,"longitude":2,"auto_trigger_radius":30}]}`))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.InDelta(t, 1.0, list[0].Latitude, 1e-9)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"zero radius", `{"sites":[{"id":"S1","latitude":1,"longitude":2,"auto_trigger_radius":0}]}`},
		{"negative radius", `{"sites":[{"id":"S1","latitude":1,"longitude":2,"auto_trigger_radius":-5}]}`},
		{"latitude out of range", `{"sites":[{"id":"S1","latitude":91,"longitude":2,"auto_trigger_radius":10}]}`},
		{"missing id", `{"sites":[{"latitude":1,"longitude":2,"auto_trigger_radius":10}]}`},
		{"unknown field", `{"sites":[{"id":"S1","latitude":1,"longitude":2,"auto_trigger_radius":10,"colour":"red"}]}`},
		{"not a document", `[1, 2, 3]`},
		{"broken yaml", "sites: [\n  - id: S1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestParse_DuplicateID(t *testing.T) {
	doc := `{"sites":[
		{"id":"S1","latitude":1,"longitude":2,"auto_trigger_radius":10},
		{"id":"S1","latitude":3,"longitude":4,"auto_trigger_radius":10}]}`
	_, err := Parse([]byte(doc))
	assert.ErrorIs(t, err, ErrDuplicateSite)
}

func TestStaticAndLookup(t *testing.T) {
	dir := Static{{ID: "S1", Name: "one"}, {ID: "S2", Name: "two"}}
	list, err := dir.Sites(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)

	s, ok := Lookup(list, "S2")
	assert.True(t, ok)
	assert.Equal(t, "two", s.Name)

	_, ok = Lookup(list, "S9")
	assert.False(t, ok)
}

func TestFileDirectory_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sites.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o644))

	d, err := OpenFile(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("sites: 7"), 0o644))
	_, err = d.Reload()
	assert.Error(t, err)

	list, err := d.Sites(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestFileDirectory_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sites.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o644))

	d, err := OpenFile(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []types.MonitoredSite, 4)
	require.NoError(t, d.Watch(ctx, func(list []types.MonitoredSite) { changes <- list }))

	updated := `{"sites":[{"id":"S3","latitude":1,"longitude":2,"auto_trigger_radius":10}]}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case list := <-changes:
		require.Len(t, list, 1)
		assert.Equal(t, types.SiteID("S3"), list[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	list, _ := d.Sites(context.Background())
	require.Len(t, list, 1)
}
