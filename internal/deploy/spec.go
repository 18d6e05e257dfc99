package deploy

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"wgfleet/internal/fault"
	"wgfleet/internal/model"
)

const (
	keyProvider = "provider"
	keyPlatform = "platform"
	keyName     = "name"
)

type specFile struct {
	Cloud      []map[string]any `yaml:"cloud"`
	Containers []map[string]any `yaml:"containers"`
}

// LoadSpec reads a deployment spec from a YAML file.
func LoadSpec(path string) (model.DeploymentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.DeploymentSpec{}, fault.Wrap(fault.NotFound, "load spec", err)
		}
		return model.DeploymentSpec{}, fault.Wrap(fault.Transport, "load spec", err)
	}
	return ParseSpec(data)
}

// ParseSpec decodes a YAML (or JSON) deployment spec. Cloud entries are
// discriminated by `provider` and container entries by `platform`; every
// other scalar key becomes a request param. Backend resolution happens at
// deploy time, so an unknown discriminator is not a parse error.
func ParseSpec(data []byte) (model.DeploymentSpec, error) {
	var raw specFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return model.DeploymentSpec{}, fault.Wrap(fault.Validation, "parse spec", err)
	}

	spec := model.DeploymentSpec{
		Cloud:      make([]model.DeploymentRequest, 0, len(raw.Cloud)),
		Containers: make([]model.DeploymentRequest, 0, len(raw.Containers)),
	}
	for i, entry := range raw.Cloud {
		req, err := toRequest(entry, keyProvider)
		if err != nil {
			return model.DeploymentSpec{}, fault.New(fault.Validation, "parse spec", "cloud[%d]: %v", i, err)
		}
		spec.Cloud = append(spec.Cloud, req)
	}
	for i, entry := range raw.Containers {
		req, err := toRequest(entry, keyPlatform)
		if err != nil {
			return model.DeploymentSpec{}, fault.New(fault.Validation, "parse spec", "containers[%d]: %v", i, err)
		}
		spec.Containers = append(spec.Containers, req)
	}
	if spec.Len() == 0 {
		return model.DeploymentSpec{}, fault.New(fault.Validation, "parse spec", "spec has no cloud or containers entries")
	}
	return spec, nil
}

func toRequest(entry map[string]any, discriminator string) (model.DeploymentRequest, error) {
	req := model.DeploymentRequest{Params: map[string]string{}}
	keys := make([]string, 0, len(entry))
	for k := range entry {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v, err := scalar(entry[k])
		if err != nil {
			return model.DeploymentRequest{}, fmt.Errorf("%s: %w", k, err)
		}
		switch k {
		case discriminator:
			req.Backend = model.BackendKind(v)
		case keyName:
			req.Name = v
		default:
			req.Params[k] = v
		}
	}
	return req, nil
}

func scalar(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("expected a scalar value, got %T", v)
	}
}
