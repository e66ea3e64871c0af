package specparser

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/freebsd-jails/director/internal/errutil"
)

var (
	serviceNameRE = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	jailNameRE    = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_-]*$`)
	envRefRE      = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)
)

// topLevelKeys is the schema of a Director file's document scope.
var topLevelKeys = map[string]bool{
	"options":             true,
	"default_volume_type": true,
	"volumes":             true,
	"services":            true,
}

var serviceKeys = map[string]bool{
	"priority":          true,
	"name":              true,
	"makejail":          true,
	"reset_options":     true,
	"ignore_mtime":      true,
	"options":           true,
	"arguments":         true,
	"environment":       true,
	"start-environment": true,
	"oci":               true,
	"volumes":           true,
	"scripts":           true,
	"start":             true,
	"serial":            true,
}

var volumeKeys = map[string]bool{
	"device":  true,
	"type":    true,
	"options": true,
	"dump":    true,
	"pass":    true,
	"umask":   true,
	"mode":    true,
	"owner":   true,
	"group":   true,
}

var scriptKeys = map[string]bool{
	"shell": true,
	"type":  true,
	"text":  true,
}

var ociKeys = map[string]bool{
	"user":        true,
	"workdir":     true,
	"environment": true,
}

// ParseFile reads path, expands ${VAR}/${VAR:-default} references against
// the process environment, and parses+validates the result.
func ParseFile(path string) (*Specification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errutil.Wrapf(err, "specparser: read %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates raw Director file bytes.
func Parse(data []byte) (*Specification, error) {
	expanded := expandEnv(string(data))

	var raw yaml.MapSlice
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, errutil.New(errutil.KindInvalidSpec, "document: %s", err)
	}

	spec := &Specification{
		Volumes:           map[string]VolumeDef{},
		Services:          map[string]ServiceDef{},
		DefaultVolumeType: DefaultVolumeType,
	}

	for _, item := range raw {
		key, ok := item.Key.(string)
		if !ok {
			return nil, errutil.New(errutil.KindInvalidSpec, "/: non-string top-level key %v", item.Key)
		}
		if !topLevelKeys[key] {
			return nil, errutil.New(errutil.KindInvalidSpec, "/%s: unknown top-level key", key)
		}
	}

	if v, ok := lookupMapSlice(raw, "options"); ok {
		kvs, err := parseOrderedMapping("/options", v, false)
		if err != nil {
			return nil, err
		}
		spec.Options = kvs
	}

	if v, ok := lookupMapSlice(raw, "default_volume_type"); ok {
		s, err := coerceString("/default_volume_type", v)
		if err != nil {
			return nil, err
		}
		spec.DefaultVolumeType = s
	}

	if v, ok := lookupMapSlice(raw, "volumes"); ok {
		vols, err := parseVolumes(v, spec.DefaultVolumeType)
		if err != nil {
			return nil, err
		}
		spec.Volumes = vols
	}

	services, order, err := parseServices(raw)
	if err != nil {
		return nil, err
	}
	if services == nil {
		return nil, errutil.New(errutil.KindInvalidSpec, "/services: required")
	}
	spec.Services = services
	spec.ServiceOrder = order

	normalized, err := normalize(raw)
	if err != nil {
		return nil, err
	}
	rawMap, ok := normalized.(map[string]interface{})
	if !ok {
		return nil, errutil.New(errutil.KindInvalidSpec, "/: document must be a mapping")
	}
	spec.Raw = rawMap

	return spec, nil
}

// expandEnv replaces ${VAR} and ${VAR:-default} with the process
// environment's value, or the default (or empty string) when unset.
func expandEnv(text string) string {
	return envRefRE.ReplaceAllStringFunc(text, func(match string) string {
		groups := envRefRE.FindStringSubmatch(match)
		name, hasDefault, def := groups[1], groups[2] != "", groups[3]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

func lookupMapSlice(m yaml.MapSlice, key string) (interface{}, bool) {
	for _, item := range m {
		if k, ok := item.Key.(string); ok && k == key {
			return item.Value, true
		}
	}
	return nil, false
}

func parseServices(raw yaml.MapSlice) (map[string]ServiceDef, []string, error) {
	v, ok := lookupMapSlice(raw, "services")
	if !ok {
		return nil, nil, nil
	}
	mapping, ok := v.(yaml.MapSlice)
	if !ok {
		return nil, nil, errutil.New(errutil.KindInvalidSpec, "/services: must be a mapping")
	}

	result := map[string]ServiceDef{}
	order := make([]string, 0, len(mapping))
	for _, item := range mapping {
		name, ok := item.Key.(string)
		if !ok {
			return nil, nil, errutil.New(errutil.KindInvalidSpec, "/services: non-string service name")
		}
		if !serviceNameRE.MatchString(name) {
			return nil, nil, errutil.New(errutil.KindInvalidSpec, "/services/%s: invalid service name", name)
		}
		def, err := parseService(name, item.Value)
		if err != nil {
			return nil, nil, err
		}
		result[name] = def
		order = append(order, name)
	}
	return result, order, nil
}

func parseService(name string, raw interface{}) (ServiceDef, error) {
	path := "/services/" + name
	def := ServiceDef{
		Priority: DefaultPriority,
		Makejail: DefaultMakejail,
	}

	mapping, ok := raw.(yaml.MapSlice)
	if !ok {
		return def, errutil.New(errutil.KindInvalidSpec, "%s: must be a mapping", path)
	}
	for _, item := range mapping {
		key, ok := item.Key.(string)
		if !ok || !serviceKeys[key] {
			return def, errutil.New(errutil.KindInvalidSpec, "%s: unknown key %v", path, item.Key)
		}
	}

	if v, ok := lookupMapSlice(mapping, "priority"); ok {
		n, err := coerceInt(path+"/priority", v)
		if err != nil {
			return def, err
		}
		def.Priority = n
	}
	if v, ok := lookupMapSlice(mapping, "name"); ok {
		s, err := coerceString(path+"/name", v)
		if err != nil {
			return def, err
		}
		if !jailNameRE.MatchString(s) {
			return def, errutil.New(errutil.KindInvalidSpec, "%s/name: invalid jail name %q", path, s)
		}
		def.Name = s
	}
	if v, ok := lookupMapSlice(mapping, "makejail"); ok {
		s, err := coerceString(path+"/makejail", v)
		if err != nil {
			return def, err
		}
		def.Makejail = s
	}
	if v, ok := lookupMapSlice(mapping, "reset_options"); ok {
		b, err := coerceBool(path+"/reset_options", v)
		if err != nil {
			return def, err
		}
		def.ResetOptions = b
	}
	if v, ok := lookupMapSlice(mapping, "ignore_mtime"); ok {
		b, err := coerceBool(path+"/ignore_mtime", v)
		if err != nil {
			return def, err
		}
		def.IgnoreMtime = b
	}
	if v, ok := lookupMapSlice(mapping, "options"); ok {
		kvs, err := parseOrderedMapping(path+"/options", v, false)
		if err != nil {
			return def, err
		}
		def.Options = kvs
	}
	if v, ok := lookupMapSlice(mapping, "arguments"); ok {
		kvs, err := parseOrderedMapping(path+"/arguments", v, true)
		if err != nil {
			return def, err
		}
		def.Arguments = kvs
	}
	if v, ok := lookupMapSlice(mapping, "environment"); ok {
		kvs, err := parseOrderedMapping(path+"/environment", v, false)
		if err != nil {
			return def, err
		}
		def.Environment = kvs
	}
	if v, ok := lookupMapSlice(mapping, "start-environment"); ok {
		kvs, err := parseOrderedMapping(path+"/start-environment", v, false)
		if err != nil {
			return def, err
		}
		def.StartEnvironment = kvs
	}
	if v, ok := lookupMapSlice(mapping, "oci"); ok {
		oci, err := parseOCI(path+"/oci", v)
		if err != nil {
			return def, err
		}
		def.OCI = oci
	}
	if v, ok := lookupMapSlice(mapping, "volumes"); ok {
		kvs, err := parseOrderedMapping(path+"/volumes", v, true)
		if err != nil {
			return def, err
		}
		def.Volumes = kvs
	}
	if v, ok := lookupMapSlice(mapping, "scripts"); ok {
		scripts, err := parseScripts(path+"/scripts", v)
		if err != nil {
			return def, err
		}
		def.Scripts = scripts
	}
	if v, ok := lookupMapSlice(mapping, "start"); ok {
		kvs, err := parseOrderedMapping(path+"/start", v, true)
		if err != nil {
			return def, err
		}
		def.Start = kvs
	}
	if v, ok := lookupMapSlice(mapping, "serial"); ok {
		n, err := coerceInt(path+"/serial", v)
		if err != nil {
			return def, err
		}
		def.Serial = n
	}

	return def, nil
}

func parseOCI(path string, raw interface{}) (OCI, error) {
	var oci OCI
	mapping, ok := raw.(yaml.MapSlice)
	if !ok {
		return oci, errutil.New(errutil.KindInvalidSpec, "%s: must be a mapping", path)
	}
	for _, item := range mapping {
		key, ok := item.Key.(string)
		if !ok || !ociKeys[key] {
			return oci, errutil.New(errutil.KindInvalidSpec, "%s: unknown key %v", path, item.Key)
		}
	}
	if v, ok := lookupMapSlice(mapping, "user"); ok {
		s, err := coerceString(path+"/user", v)
		if err != nil {
			return oci, err
		}
		oci.User = s
	}
	if v, ok := lookupMapSlice(mapping, "workdir"); ok {
		s, err := coerceString(path+"/workdir", v)
		if err != nil {
			return oci, err
		}
		oci.Workdir = s
	}
	if v, ok := lookupMapSlice(mapping, "environment"); ok {
		kvs, err := parseOrderedMapping(path+"/environment", v, true)
		if err != nil {
			return oci, err
		}
		oci.Environment = kvs
	}
	return oci, nil
}

func parseScripts(path string, raw interface{}) ([]Script, error) {
	seq, ok := raw.([]interface{})
	if !ok {
		return nil, errutil.New(errutil.KindInvalidSpec, "%s: must be a sequence", path)
	}
	result := make([]Script, 0, len(seq))
	for i, entry := range seq {
		itemPath := fmt.Sprintf("%s/%d", path, i)
		mapping, ok := entry.(yaml.MapSlice)
		if !ok {
			return nil, errutil.New(errutil.KindInvalidSpec, "%s: must be a mapping", itemPath)
		}
		for _, item := range mapping {
			key, ok := item.Key.(string)
			if !ok || !scriptKeys[key] {
				return nil, errutil.New(errutil.KindInvalidSpec, "%s: unknown key %v", itemPath, item.Key)
			}
		}
		s := Script{Shell: DefaultScriptShell, Type: DefaultScriptType}
		if v, ok := lookupMapSlice(mapping, "shell"); ok {
			str, err := coerceString(itemPath+"/shell", v)
			if err != nil {
				return nil, err
			}
			s.Shell = str
		}
		if v, ok := lookupMapSlice(mapping, "type"); ok {
			str, err := coerceString(itemPath+"/type", v)
			if err != nil {
				return nil, err
			}
			switch ScriptType(str) {
			case ScriptJexec, ScriptLocal, ScriptChroot:
				s.Type = ScriptType(str)
			default:
				return nil, errutil.New(errutil.KindInvalidSpec, "%s/type: invalid script type %q", itemPath, str)
			}
		}
		text, ok := lookupMapSlice(mapping, "text")
		if !ok {
			return nil, errutil.New(errutil.KindInvalidSpec, "%s/text: required", itemPath)
		}
		str, err := coerceString(itemPath+"/text", text)
		if err != nil {
			return nil, err
		}
		s.Text = str
		result = append(result, s)
	}
	return result, nil
}

func parseVolumes(raw interface{}, defaultType string) (map[string]VolumeDef, error) {
	mapping, ok := raw.(yaml.MapSlice)
	if !ok {
		return nil, errutil.New(errutil.KindInvalidSpec, "/volumes: must be a mapping")
	}
	result := map[string]VolumeDef{}
	for _, item := range mapping {
		name, ok := item.Key.(string)
		if !ok {
			return nil, errutil.New(errutil.KindInvalidSpec, "/volumes: non-string volume name")
		}
		path := "/volumes/" + name
		def, err := parseVolume(path, item.Value, defaultType)
		if err != nil {
			return nil, err
		}
		result[name] = def
	}
	return result, nil
}

func parseVolume(path string, raw interface{}, defaultType string) (VolumeDef, error) {
	def := VolumeDef{Type: defaultType, Options: DefaultVolumeOpts}
	mapping, ok := raw.(yaml.MapSlice)
	if !ok {
		return def, errutil.New(errutil.KindInvalidSpec, "%s: must be a mapping", path)
	}
	for _, item := range mapping {
		key, ok := item.Key.(string)
		if !ok || !volumeKeys[key] {
			return def, errutil.New(errutil.KindInvalidSpec, "%s: unknown key %v", path, item.Key)
		}
	}

	device, ok := lookupMapSlice(mapping, "device")
	if !ok {
		return def, errutil.New(errutil.KindInvalidSpec, "%s/device: required", path)
	}
	s, err := coerceString(path+"/device", device)
	if err != nil {
		return def, err
	}
	def.Device = s

	if v, ok := lookupMapSlice(mapping, "type"); ok {
		s, err := coerceString(path+"/type", v)
		if err != nil {
			return def, err
		}
		def.Type = s
	}
	if v, ok := lookupMapSlice(mapping, "options"); ok {
		s, err := coerceString(path+"/options", v)
		if err != nil {
			return def, err
		}
		def.Options = s
	}
	if v, ok := lookupMapSlice(mapping, "dump"); ok {
		n, err := coerceInt(path+"/dump", v)
		if err != nil {
			return def, err
		}
		def.Dump = n
	}
	if v, ok := lookupMapSlice(mapping, "pass"); ok {
		n, err := coerceInt(path+"/pass", v)
		if err != nil {
			return def, err
		}
		def.Pass = n
	}
	if v, ok := lookupMapSlice(mapping, "umask"); ok {
		n, err := coerceInt(path+"/umask", v)
		if err != nil {
			return def, err
		}
		def.Umask = &n
	}
	if v, ok := lookupMapSlice(mapping, "mode"); ok {
		n, err := coerceInt(path+"/mode", v)
		if err != nil {
			return def, err
		}
		def.Mode = &n
	}
	if v, ok := lookupMapSlice(mapping, "owner"); ok {
		s, err := coerceString(path+"/owner", v)
		if err != nil {
			return def, err
		}
		def.Owner = s
	}
	if v, ok := lookupMapSlice(mapping, "group"); ok {
		s, err := coerceString(path+"/group", v)
		if err != nil {
			return def, err
		}
		def.Group = s
	}
	return def, nil
}

// parseOrderedMapping validates and converts an "ordered sequence of
// single-entry mappings" (spec §3). requireValue rejects a null value,
// used for arguments/volumes/start/oci.environment per spec §3's rule.
func parseOrderedMapping(path string, raw interface{}, requireValue bool) ([]KV, error) {
	seq, ok := raw.([]interface{})
	if !ok {
		return nil, errutil.New(errutil.KindInvalidSpec, "%s: must be a sequence", path)
	}
	result := make([]KV, 0, len(seq))
	for i, entry := range seq {
		itemPath := fmt.Sprintf("%s/%d", path, i)
		mapping, ok := entry.(yaml.MapSlice)
		if !ok {
			return nil, errutil.New(errutil.KindInvalidSpec, "%s: must be a single-entry mapping", itemPath)
		}
		if len(mapping) != 1 {
			return nil, errutil.New(errutil.KindInvalidSpec, "%s: must have exactly one key", itemPath)
		}
		item := mapping[0]
		key, ok := item.Key.(string)
		if !ok {
			return nil, errutil.New(errutil.KindInvalidSpec, "%s: non-string key", itemPath)
		}
		if item.Value == nil {
			if requireValue {
				return nil, errutil.New(errutil.KindInvalidSpec, "%s/%s: value required", itemPath, key)
			}
			result = append(result, KV{Key: key})
			continue
		}
		s, err := coerceString(itemPath+"/"+key, item.Value)
		if err != nil {
			return nil, err
		}
		result = append(result, KV{Key: key, Value: &s})
	}
	return result, nil
}

func coerceString(path string, v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int:
		return strconv.Itoa(t), nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

func coerceInt(path string, v interface{}) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, errutil.New(errutil.KindInvalidSpec, "%s: not an integer: %q", path, t)
		}
		return n, nil
	default:
		return 0, errutil.New(errutil.KindInvalidSpec, "%s: not an integer", path)
	}
}

func coerceBool(path string, v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, errutil.New(errutil.KindInvalidSpec, "%s: not a boolean: %q", path, t)
		}
		return b, nil
	default:
		return false, errutil.New(errutil.KindInvalidSpec, "%s: not a boolean", path)
	}
}

// normalize recursively converts yaml.MapSlice into map[string]interface{}
// (dropping key order) and yaml sequences into []interface{} (keeping element
// order), producing a structurally comparable
// tree used by Project's raw-comparison diffing (spec §9).
func normalize(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case yaml.MapSlice:
		out := map[string]interface{}{}
		for _, item := range t {
			key, ok := item.Key.(string)
			if !ok {
				return nil, errutil.New(errutil.KindInvalidSpec, "/: non-string key in mapping")
			}
			val, err := normalize(item.Value)
			if err != nil {
				return nil, err
			}
			out[key] = val
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			val, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	default:
		return t, nil
	}
}
