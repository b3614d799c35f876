package diagram

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies a diagram serialization.
type Format string

const (
	FormatLight    Format = "light"    // YAML, label-keyed, compact
	FormatNative   Format = "native"   // JSON, id-keyed, full fidelity
	FormatReadable Format = "readable" // YAML, flow-oriented
)

// SniffFormat guesses the format from a file path.
func SniffFormat(path string) Format {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".native.json"), strings.HasSuffix(name, ".json"):
		return FormatNative
	case strings.HasSuffix(name, ".readable.yaml"), strings.HasSuffix(name, ".readable.yml"):
		return FormatReadable
	default:
		return FormatLight
	}
}

// Load reads a diagram file in the given format; empty format sniffs from
// the path.
func Load(path string, format Format) (*DomainDiagram, error) {
	if format == "" {
		format = SniffFormat(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read diagram: %w", err)
	}
	d, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("decode %s (%s): %w", path, format, err)
	}
	if d.ID == "" {
		d.ID = diagramIDFromPath(path)
	}
	return d, nil
}

// Save writes a diagram in the given format.
func Save(path string, format Format, d *DomainDiagram) error {
	if format == "" {
		format = SniffFormat(path)
	}
	data, err := Encode(d, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write diagram: %w", err)
	}
	return nil
}

// Convert re-encodes a diagram file between formats.
func Convert(inPath string, inFormat Format, outPath string, outFormat Format) error {
	d, err := Load(inPath, inFormat)
	if err != nil {
		return err
	}
	return Save(outPath, outFormat, d)
}

// Decode parses raw bytes in the given format.
func Decode(data []byte, format Format) (*DomainDiagram, error) {
	switch format {
	case FormatNative:
		var d DomainDiagram
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		return &d, d.Validate()
	case FormatLight:
		return decodeLight(data)
	case FormatReadable:
		return decodeReadable(data)
	default:
		return nil, fmt.Errorf("unknown diagram format: %s", format)
	}
}

// Encode renders a diagram in the given format.
func Encode(d *DomainDiagram, format Format) ([]byte, error) {
	switch format {
	case FormatNative:
		return json.MarshalIndent(d, "", "  ")
	case FormatLight:
		return encodeLight(d)
	case FormatReadable:
		return encodeReadable(d)
	default:
		return nil, fmt.Errorf("unknown diagram format: %s", format)
	}
}

func diagramIDFromPath(path string) string {
	base := filepath.Base(path)
	for _, suffix := range []string{".light.yaml", ".light.yml", ".native.json", ".readable.yaml", ".readable.yml", ".yaml", ".yml", ".json"} {
		if strings.HasSuffix(base, suffix) {
			return strings.TrimSuffix(base, suffix)
		}
	}
	return base
}

// ---- light format ----
//
// Label-keyed YAML:
//
//	version: light
//	nodes:
//	  - label: Start
//	    type: start
//	  - label: Check
//	    type: condition
//	    props: {expression: "x > 0"}
//	connections:
//	  - {from: Start, to: Check}
//	  - {from: Check_condtrue, to: Done}
//
// Handles are appended to the label with an underscore; bare labels mean
// the default handle.

type lightDoc struct {
	Version     string            `yaml:"version,omitempty"`
	Nodes       []lightNode       `yaml:"nodes"`
	Connections []lightConnection `yaml:"connections,omitempty"`
	Persons     []Person          `yaml:"persons,omitempty"`
	APIKeys     []APIKeyRef       `yaml:"api_keys,omitempty"`
	Variables   map[string]any    `yaml:"variables,omitempty"`
	Metadata    map[string]any    `yaml:"metadata,omitempty"`
}

type lightNode struct {
	Label        string         `yaml:"label"`
	Type         NodeType       `yaml:"type"`
	Position     *Position      `yaml:"position,omitempty"`
	Props        map[string]any `yaml:"props,omitempty"`
	MaxIteration int            `yaml:"max_iteration,omitempty"`
}

type lightConnection struct {
	From              string  `yaml:"from"`
	To                string  `yaml:"to"`
	ContentType       string  `yaml:"content_type,omitempty"`
	Label             string  `yaml:"label,omitempty"`
	ExecutionPriority int     `yaml:"execution_priority,omitempty"`
	Packing           Packing `yaml:"packing,omitempty"`
}

func decodeLight(data []byte) (*DomainDiagram, error) {
	var doc lightDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	d := &DomainDiagram{
		Persons:   doc.Persons,
		APIKeys:   doc.APIKeys,
		Variables: doc.Variables,
		Metadata:  doc.Metadata,
	}

	labels := make(map[string]string, len(doc.Nodes)) // label -> node id
	for i, ln := range doc.Nodes {
		if ln.Label == "" {
			return nil, fmt.Errorf("light node %d has no label", i)
		}
		if _, dup := labels[ln.Label]; dup {
			return nil, fmt.Errorf("duplicate node label: %s", ln.Label)
		}
		id := fmt.Sprintf("node_%d", i)
		labels[ln.Label] = id
		node := Node{
			ID:           id,
			Type:         ln.Type,
			Label:        ln.Label,
			Config:       ln.Props,
			MaxIteration: ln.MaxIteration,
		}
		if ln.Position != nil {
			node.Position = *ln.Position
		}
		d.Nodes = append(d.Nodes, node)
	}

	for _, conn := range doc.Connections {
		srcLabel, srcHandle := splitHandleRef(conn.From, labels)
		dstLabel, dstHandle := splitHandleRef(conn.To, labels)
		srcID, ok := labels[srcLabel]
		if !ok {
			return nil, fmt.Errorf("connection references unknown node: %s", conn.From)
		}
		dstID, ok := labels[dstLabel]
		if !ok {
			return nil, fmt.Errorf("connection references unknown node: %s", conn.To)
		}
		d.Edges = append(d.Edges, Edge{
			Source:            srcID,
			SourceHandle:      srcHandle,
			Target:            dstID,
			TargetHandle:      dstHandle,
			ContentType:       conn.ContentType,
			Label:             conn.Label,
			ExecutionPriority: conn.ExecutionPriority,
			Packing:           conn.Packing,
		})
	}

	return d, d.Validate()
}

// splitHandleRef parses "Label" or "Label_handle". The longest label match
// wins so labels containing underscores keep working.
func splitHandleRef(ref string, labels map[string]string) (label, handle string) {
	if _, ok := labels[ref]; ok {
		return ref, ""
	}
	if idx := strings.LastIndex(ref, "_"); idx > 0 {
		candidate := ref[:idx]
		if _, ok := labels[candidate]; ok {
			return candidate, ref[idx+1:]
		}
	}
	return ref, ""
}

func encodeLight(d *DomainDiagram) ([]byte, error) {
	doc := lightDoc{
		Version:   "light",
		Persons:   d.Persons,
		APIKeys:   d.APIKeys,
		Variables: d.Variables,
		Metadata:  d.Metadata,
	}

	idToLabel := make(map[string]string, len(d.Nodes))
	for _, n := range d.Nodes {
		label := n.Label
		if label == "" {
			label = n.ID
		}
		idToLabel[n.ID] = label
		ln := lightNode{
			Label:        label,
			Type:         n.Type,
			Props:        n.Config,
			MaxIteration: n.MaxIteration,
		}
		if n.Position != (Position{}) {
			pos := n.Position
			ln.Position = &pos
		}
		doc.Nodes = append(doc.Nodes, ln)
	}

	for _, e := range d.Edges {
		doc.Connections = append(doc.Connections, lightConnection{
			From:              joinHandleRef(idToLabel[e.Source], e.SourceHandle),
			To:                joinHandleRef(idToLabel[e.Target], e.TargetHandle),
			ContentType:       e.ContentType,
			Label:             e.Label,
			ExecutionPriority: e.ExecutionPriority,
			Packing:           e.Packing,
		})
	}

	return yaml.Marshal(doc)
}

func joinHandleRef(label, handle string) string {
	if handle == "" || handle == HandleDefault {
		return label
	}
	return label + "_" + handle
}

// ---- readable format ----
//
// Flow-oriented YAML:
//
//	nodes:
//	  Start: {type: start}
//	  Done: {type: endpoint}
//	flow:
//	  - Start -> Done

type readableDoc struct {
	Nodes     map[string]lightNode `yaml:"nodes"`
	Flow      []string             `yaml:"flow,omitempty"`
	Persons   []Person             `yaml:"persons,omitempty"`
	APIKeys   []APIKeyRef          `yaml:"api_keys,omitempty"`
	Variables map[string]any       `yaml:"variables,omitempty"`
	Metadata  map[string]any       `yaml:"metadata,omitempty"`
}

func decodeReadable(data []byte) (*DomainDiagram, error) {
	var doc readableDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	labels := make([]string, 0, len(doc.Nodes))
	for label := range doc.Nodes {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	d := &DomainDiagram{
		Persons:   doc.Persons,
		APIKeys:   doc.APIKeys,
		Variables: doc.Variables,
		Metadata:  doc.Metadata,
	}
	labelToID := make(map[string]string, len(labels))
	for i, label := range labels {
		ln := doc.Nodes[label]
		id := fmt.Sprintf("node_%d", i)
		labelToID[label] = id
		d.Nodes = append(d.Nodes, Node{
			ID:           id,
			Type:         ln.Type,
			Label:        label,
			Config:       ln.Props,
			MaxIteration: ln.MaxIteration,
		})
	}

	for _, step := range doc.Flow {
		parts := strings.Split(step, "->")
		if len(parts) != 2 {
			return nil, fmt.Errorf("flow step must be \"A -> B\", got %q", step)
		}
		from := strings.TrimSpace(parts[0])
		to := strings.TrimSpace(parts[1])
		srcLabel, srcHandle := splitHandleRef(from, labelToID)
		dstLabel, dstHandle := splitHandleRef(to, labelToID)
		srcID, ok := labelToID[srcLabel]
		if !ok {
			return nil, fmt.Errorf("flow references unknown node: %s", from)
		}
		dstID, ok := labelToID[dstLabel]
		if !ok {
			return nil, fmt.Errorf("flow references unknown node: %s", to)
		}
		d.Edges = append(d.Edges, Edge{
			Source: srcID, SourceHandle: srcHandle,
			Target: dstID, TargetHandle: dstHandle,
		})
	}

	return d, d.Validate()
}

func encodeReadable(d *DomainDiagram) ([]byte, error) {
	doc := readableDoc{
		Nodes:     make(map[string]lightNode, len(d.Nodes)),
		Persons:   d.Persons,
		APIKeys:   d.APIKeys,
		Variables: d.Variables,
		Metadata:  d.Metadata,
	}

	idToLabel := make(map[string]string, len(d.Nodes))
	for _, n := range d.Nodes {
		label := n.Label
		if label == "" {
			label = n.ID
		}
		idToLabel[n.ID] = label
		doc.Nodes[label] = lightNode{
			Type:         n.Type,
			Props:        n.Config,
			MaxIteration: n.MaxIteration,
		}
	}

	for _, e := range d.Edges {
		doc.Flow = append(doc.Flow, fmt.Sprintf("%s -> %s",
			joinHandleRef(idToLabel[e.Source], e.SourceHandle),
			joinHandleRef(idToLabel[e.Target], e.TargetHandle)))
	}

	return yaml.Marshal(doc)
}
