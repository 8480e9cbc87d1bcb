// Package manifest wires the KMS provider into the kube-apiserver static pod manifest.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
	corev1 "k8s.io/api/core/v1"
	sigsyaml "sigs.k8s.io/yaml"
)

// Defaults for the names the plugin installer uses.
const (
	DefaultVolumeName     = "smartkey-kms"
	DefaultProviderConfig = "smartkey.yaml"
	encryptionFlag        = "--encryption-provider-config="
)

// ErrNoContainers is returned for a manifest whose spec.containers is missing or empty.
var ErrNoContainers = errors.New("spec.containers is empty")

// Options selects what Apply adds.
type Options struct {
	// ConfigDir is the host directory holding the plugin configuration.
	ConfigDir string
	// ProviderConfig is the encryption provider configuration file name
	// inside ConfigDir. Defaults to smartkey.yaml.
	ProviderConfig string
	// VolumeName defaults to smartkey-kms.
	VolumeName string
}

func (o Options) withDefaults() Options {
	o.ConfigDir = strings.TrimSuffix(o.ConfigDir, "/")
	if o.ProviderConfig == "" {
		o.ProviderConfig = DefaultProviderConfig
	}
	if o.VolumeName == "" {
		o.VolumeName = DefaultVolumeName
	}
	return o
}

// Flag returns the kube-apiserver flag pointing at the provider configuration.
func (o Options) Flag() string {
	o = o.withDefaults()
	return encryptionFlag + o.ConfigDir + "/" + o.ProviderConfig
}

// Result describes the outcome of Apply.
type Result struct {
	// Document is the manifest to write. It is the input unchanged when
	// Changed is false.
	Document    []byte
	Changed     bool
	FlagAdded   bool
	MountAdded  bool
	VolumeAdded bool
}

// Apply adds the encryption provider flag, the configuration volume mount
// and the host path volume to a kube-apiserver pod manifest. Entries that
// already exist are left alone, so applying twice changes nothing.
func Apply(doc []byte, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	if opts.ConfigDir == "" {
		return nil, fmt.Errorf("config dir is required")
	}

	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("manifest is not a mapping")
	}

	spec := lookup(root.Content[0], "spec")
	if spec == nil || spec.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("manifest has no spec")
	}
	containers := lookup(spec, "containers")
	if containers == nil || containers.Kind != yaml.SequenceNode || len(containers.Content) == 0 {
		return nil, ErrNoContainers
	}
	container := containers.Content[0]
	if container.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("spec.containers[0] is not a mapping")
	}

	res := &Result{}

	command, err := ensureSequence(container, "command")
	if err != nil {
		return nil, err
	}
	if !containsScalar(command, opts.Flag()) {
		insertAt(command, 1, scalar(opts.Flag()))
		res.FlagAdded = true
	}

	mounts, err := ensureSequence(container, "volumeMounts")
	if err != nil {
		return nil, err
	}
	if !hasEntry(mounts, "mountPath", opts.ConfigDir) {
		node, err := toNode(corev1.VolumeMount{
			Name:      opts.VolumeName,
			MountPath: opts.ConfigDir,
			ReadOnly:  true,
		})
		if err != nil {
			return nil, err
		}
		insertAt(mounts, 0, node)
		res.MountAdded = true
	}

	volumes, err := ensureSequence(spec, "volumes")
	if err != nil {
		return nil, err
	}
	if !hasEntry(volumes, "name", opts.VolumeName) {
		hostPathType := corev1.HostPathDirectoryOrCreate
		node, err := toNode(corev1.Volume{
			Name: opts.VolumeName,
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: opts.ConfigDir, Type: &hostPathType},
			},
		})
		if err != nil {
			return nil, err
		}
		insertAt(volumes, 0, node)
		res.VolumeAdded = true
	}

	res.Changed = res.FlagAdded || res.MountAdded || res.VolumeAdded
	if !res.Changed {
		res.Document = doc
		return res, nil
	}

	blockStyle(&root)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	res.Document = buf.Bytes()

	return res, nil
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// ensureSequence returns the sequence under key, creating an empty one if absent.
func ensureSequence(m *yaml.Node, key string) (*yaml.Node, error) {
	if n := lookup(m, key); n != nil {
		switch {
		case n.Kind == yaml.SequenceNode:
			return n, nil
		case n.Kind == yaml.ScalarNode && n.Tag == "!!null":
			n.Kind, n.Tag, n.Value = yaml.SequenceNode, "!!seq", ""
			return n, nil
		default:
			return nil, fmt.Errorf("%s is not a list", key)
		}
	}
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	m.Content = append(m.Content, scalar(key), seq)
	return seq, nil
}

func containsScalar(seq *yaml.Node, value string) bool {
	return slices.ContainsFunc(seq.Content, func(n *yaml.Node) bool {
		return n.Kind == yaml.ScalarNode && n.Value == value
	})
}

func hasEntry(seq *yaml.Node, key, value string) bool {
	return slices.ContainsFunc(seq.Content, func(n *yaml.Node) bool {
		if n.Kind != yaml.MappingNode {
			return false
		}
		v := lookup(n, key)
		return v != nil && strings.TrimSuffix(v.Value, "/") == value
	})
}

// insertAt inserts n at index i, or appends when the sequence is shorter.
func insertAt(seq *yaml.Node, i int, n *yaml.Node) {
	if i > len(seq.Content) {
		i = len(seq.Content)
	}
	seq.Content = slices.Insert(seq.Content, i, n)
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

// toNode renders a typed API object with its JSON field names.
func toNode(v any) (*yaml.Node, error) {
	out, err := sigsyaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling %T: %w", v, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(out, &doc); err != nil {
		return nil, fmt.Errorf("decoding %T: %w", v, err)
	}
	return doc.Content[0], nil
}

func blockStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle
	for _, c := range n.Content {
		blockStyle(c)
	}
}
