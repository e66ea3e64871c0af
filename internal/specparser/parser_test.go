package specparser

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMinimal(t *testing.T) {
	doc := `
services:
  web:
    priority: 1
    makejail: WebMakejail
    options:
      - ip4: inherit
      - boot: null
    scripts:
      - type: local
        text: "echo hi"
volumes:
  data:
    device: /srv/data
`
	spec, err := Parse([]byte(doc))
	require.NoError(t, err)

	web, ok := spec.Services["web"]
	require.True(t, ok)
	assert.Equal(t, 1, web.Priority)
	assert.Equal(t, "WebMakejail", web.Makejail)
	require.Len(t, web.Options, 2)
	assert.Equal(t, "ip4", web.Options[0].Key)
	require.NotNil(t, web.Options[0].Value)
	assert.Equal(t, "inherit", *web.Options[0].Value)
	assert.Equal(t, "boot", web.Options[1].Key)
	assert.Nil(t, web.Options[1].Value)

	require.Len(t, web.Scripts, 1)
	assert.Equal(t, ScriptLocal, web.Scripts[0].Type)
	assert.Equal(t, "echo hi", web.Scripts[0].Text)

	vol := spec.Volumes["data"]
	assert.Equal(t, "/srv/data", vol.Device)
	assert.Equal(t, DefaultVolumeType, vol.Type)

	assert.Equal(t, []string{"web"}, spec.ServiceOrder)
}

func TestParseDefaults(t *testing.T) {
	doc := `
services:
  app: {}
`
	spec, err := Parse([]byte(doc))
	require.NoError(t, err)
	app := spec.Services["app"]
	assert.Equal(t, DefaultPriority, app.Priority)
	assert.Equal(t, DefaultMakejail, app.Makejail)
}

func TestEnvInterpolation(t *testing.T) {
	require.NoError(t, os.Setenv("DIRECTOR_TEST_TAG", "v2"))
	defer os.Unsetenv("DIRECTOR_TEST_TAG")

	doc := `
services:
  web:
    makejail: "Makejail.${DIRECTOR_TEST_TAG}"
    name: "${DIRECTOR_TEST_MISSING:-fallback}"
`
	spec, err := Parse([]byte(doc))
	require.NoError(t, err)
	web := spec.Services["web"]
	assert.Equal(t, "Makejail.v2", web.Makejail)
	assert.Equal(t, "fallback", web.Name)
}

// TestValidationRejects covers property 8: the enumerated rejection cases.
func TestValidationRejects(t *testing.T) {
	cases := map[string]string{
		"unknown top-level key": `
bogus: true
services:
  web: {}
`,
		"service name with slash": `
services:
  "web/1": {}
`,
		"script type=xexec": `
services:
  web:
    scripts:
      - type: xexec
        text: "echo hi"
`,
		"volume missing device": `
volumes:
  data:
    type: nullfs
services:
  web: {}
`,
		"priority as unparsable string": `
services:
  web:
    priority: "soon"
`,
		"argument entry with more than one key": `
services:
  web:
    arguments:
      - a: "1"
        b: "2"
`,
		"missing services": `
options:
  - ip4: inherit
`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err, name)
		})
	}
}

func TestOrderedMappingRequiresValueForArguments(t *testing.T) {
	doc := `
services:
  web:
    arguments:
      - flag: null
`
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func TestOrderedMappingAllowsNullForOptions(t *testing.T) {
	doc := `
services:
  web:
    options:
      - flag: null
`
	spec, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Nil(t, spec.Services["web"].Options[0].Value)
}
