package stack

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/distribution/reference"
	"gopkg.in/yaml.v3"
)

// DefaultsFile is the reserved stack directory entry holding global
// environment defaults. It defines no services itself.
const DefaultsFile = "defaults.yaml"

// DefaultProbeTimeout bounds a readiness probe when the stack file does
// not set one.
const DefaultProbeTimeout = 60 * time.Second

var serviceNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// stackFile is the wire form of one YAML stack file.
type stackFile struct {
	// Env sets file-scoped environment defaults, applied to every
	// service in the file underneath the service's own env block.
	Env      map[string]string      `yaml:"env,omitempty"`
	Services map[string]serviceYAML `yaml:"services"`
}

type serviceYAML struct {
	Image       string            `yaml:"image"`
	Command     []string          `yaml:"command,omitempty"`
	Ports       []string          `yaml:"ports,omitempty"`
	Volumes     []string          `yaml:"volumes,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Networks    []string          `yaml:"networks,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty"`
	Restart     string            `yaml:"restart,omitempty"`
	Healthcheck *healthcheckYAML  `yaml:"healthcheck,omitempty"`
	Probe       *probeYAML        `yaml:"probe,omitempty"`
}

type healthcheckYAML struct {
	Test        []string `yaml:"test"`
	Interval    string   `yaml:"interval,omitempty"`
	Timeout     string   `yaml:"timeout,omitempty"`
	Retries     int      `yaml:"retries,omitempty"`
	StartPeriod string   `yaml:"start_period,omitempty"`
}

type probeYAML struct {
	Type    string `yaml:"type"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path,omitempty"`
	Timeout string `yaml:"timeout,omitempty"`
}

type defaultsYAML struct {
	Env map[string]string `yaml:"env,omitempty"`
}

// Load reads every *.yaml stack file under dir plus the optional
// defaults.yaml and resolves them into a DesiredState. It returns a
// *ConfigError carrying every problem found, not just the first; on error
// nothing has touched the runtime. A directory with no stack files is an
// error: an empty desired state is far more often a mistyped path than an
// intentional teardown.
func Load(dir string) (DesiredState, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return DesiredState{}, &ConfigError{Problems: []string{fmt.Sprintf("stack directory: %v", err)}}
	}
	var paths []string
	defaultsPath := ""
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if e.Name() == DefaultsFile {
			defaultsPath = filepath.Join(dir, e.Name())
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	state, err := loadFiles(paths, defaultsPath, nil)
	if err != nil {
		return DesiredState{}, err
	}
	state.Dir = dir
	return state, nil
}

// LoadFiles resolves an explicit list of stack files. Load is the usual
// entry point; this one exists for callers that assemble the file set
// themselves.
func LoadFiles(paths []string, defaultsPath string) (DesiredState, error) {
	return loadFiles(paths, defaultsPath, nil)
}

func loadFiles(paths []string, defaultsPath string, lookup func(string) (string, bool)) (DesiredState, error) {
	var problems []string

	globalEnv := map[string]string{}
	if defaultsPath != "" {
		env, errs := loadDefaults(defaultsPath, lookup)
		problems = append(problems, errs...)
		globalEnv = env
	}

	if len(paths) == 0 {
		problems = append(problems, "no stack files found")
		return DesiredState{}, &ConfigError{Problems: problems}
	}

	services := make(map[string]ServiceSpec)
	origin := make(map[string]string)

	for _, path := range paths {
		file := filepath.Base(path)
		f, errs := decodeStackFile(path)
		if len(errs) > 0 {
			problems = append(problems, errs...)
			continue
		}

		x := newExpander(lookup)
		fileEnv := x.expandMap(f.Env)

		for _, name := range sortedServiceKeys(f.Services) {
			unresolved := len(x.missing)
			svc, errs := resolveService(name, f.Services[name], file, fileEnv, globalEnv, x)
			problems = append(problems, errs...)
			if len(errs) > 0 || len(x.missing) > unresolved {
				// Unresolved variables are reported once per file below;
				// skipping the half-expanded spec avoids follow-on noise.
				continue
			}
			if prev, ok := origin[name]; ok {
				problems = append(problems, fmt.Sprintf("%s: service %q is already defined in %s", file, name, prev))
				continue
			}
			origin[name] = file
			services[name] = svc
		}

		problems = append(problems, x.problems(file)...)
	}

	problems = append(problems, validateReferences(services, origin)...)

	if len(problems) > 0 {
		return DesiredState{}, &ConfigError{Problems: problems}
	}
	return DesiredState{Services: services}, nil
}

func decodeStackFile(path string) (stackFile, []string) {
	file := filepath.Base(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return stackFile{}, []string{fmt.Sprintf("%s: %v", file, err)}
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f stackFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return stackFile{}, []string{fmt.Sprintf("%s: file is empty", file)}
		}
		return stackFile{}, []string{fmt.Sprintf("%s: %v", file, err)}
	}
	if len(f.Services) == 0 {
		return stackFile{}, []string{fmt.Sprintf("%s: defines no services", file)}
	}
	return f, nil
}

func loadDefaults(path string, lookup func(string) (string, bool)) (map[string]string, []string) {
	file := filepath.Base(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []string{fmt.Sprintf("%s: %v", file, err)}
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f defaultsYAML
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]string{}, nil
		}
		return nil, []string{fmt.Sprintf("%s: %v", file, err)}
	}
	x := newExpander(lookup)
	env := x.expandMap(f.Env)
	if env == nil {
		env = map[string]string{}
	}
	return env, x.problems(file)
}

func resolveService(name string, raw serviceYAML, file string, fileEnv, globalEnv map[string]string, x *expander) (ServiceSpec, []string) {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf("%s: service %q: %s", file, name, fmt.Sprintf(format, args...)))
	}

	if !serviceNameRE.MatchString(name) {
		fail("invalid name (want lowercase letters and digits, then letters, digits, and ._-)")
	}

	svc := ServiceSpec{
		Name:  name,
		Stack: strings.TrimSuffix(file, filepath.Ext(file)),
	}

	img := x.expand(raw.Image)
	if img == "" {
		fail("image is required")
	} else if named, err := reference.ParseNormalizedNamed(img); err != nil {
		fail("image %q: %v", img, err)
	} else {
		// Normalizing means "nginx" and "nginx:latest" fingerprint the
		// same and never force a spurious recreate.
		svc.Image = reference.FamiliarString(reference.TagNameOnly(named))
	}

	svc.Command = x.expandAll(raw.Command)

	for _, p := range raw.Ports {
		mappings, err := parsePortSpec(x.expand(p))
		if err != nil {
			fail("%v", err)
			continue
		}
		svc.Ports = append(svc.Ports, mappings...)
	}

	targets := make(map[string]bool, len(raw.Volumes))
	for _, v := range raw.Volumes {
		m, err := parseVolumeSpec(x.expand(v))
		if err != nil {
			fail("%v", err)
			continue
		}
		if targets[m.Target] {
			fail("volume target %q is mounted twice", m.Target)
			continue
		}
		targets[m.Target] = true
		svc.Volumes = append(svc.Volumes, m)
	}

	// Env precedence: service > stack file > global defaults.
	env := make(map[string]string, len(globalEnv)+len(fileEnv)+len(raw.Env))
	for k, v := range globalEnv {
		env[k] = v
	}
	for k, v := range fileEnv {
		env[k] = v
	}
	for k, v := range x.expandMap(raw.Env) {
		env[k] = v
	}
	if len(env) > 0 {
		svc.Env = env
	}

	svc.Networks = normalizeSet(x.expandAll(raw.Networks))
	for _, n := range svc.Networks {
		if !serviceNameRE.MatchString(n) {
			fail("invalid network name %q", n)
		}
	}

	// Dependency names are never interpolated: they refer to services in
	// this configuration, not to the host environment.
	svc.DependsOn = normalizeSet(raw.DependsOn)
	for _, d := range svc.DependsOn {
		if d == name {
			fail("depends_on: cannot depend on itself")
		}
	}

	restart, err := parseRestartPolicy(x.expand(raw.Restart))
	if err != nil {
		fail("%v", err)
	} else {
		svc.Restart = restart
	}

	if raw.Healthcheck != nil {
		hc, herrs := resolveHealthcheck(raw.Healthcheck, x)
		for _, e := range herrs {
			fail("healthcheck: %s", e)
		}
		svc.Healthcheck = hc
	}
	if raw.Probe != nil {
		probe, perrs := resolveProbe(raw.Probe, svc.Ports, x)
		for _, e := range perrs {
			fail("probe: %s", e)
		}
		svc.Probe = probe
	}

	return svc, errs
}

func resolveHealthcheck(raw *healthcheckYAML, x *expander) (*Healthcheck, []string) {
	var errs []string
	hc := &Healthcheck{Test: x.expandAll(raw.Test), Retries: raw.Retries}
	if len(hc.Test) == 0 {
		errs = append(errs, `test is required (e.g. ["CMD", "curl", "-f", "http://localhost/health"])`)
	}
	var err error
	if hc.Interval, err = parseDuration(raw.Interval, 0); err != nil {
		errs = append(errs, fmt.Sprintf("interval: %v", err))
	}
	if hc.Timeout, err = parseDuration(raw.Timeout, 0); err != nil {
		errs = append(errs, fmt.Sprintf("timeout: %v", err))
	}
	if hc.StartPeriod, err = parseDuration(raw.StartPeriod, 0); err != nil {
		errs = append(errs, fmt.Sprintf("start_period: %v", err))
	}
	if raw.Retries < 0 {
		errs = append(errs, "retries must not be negative")
	}
	return hc, errs
}

func resolveProbe(raw *probeYAML, ports []PortMapping, x *expander) (*Probe, []string) {
	var errs []string
	p := &Probe{Type: ProbeType(raw.Type), Port: raw.Port, Path: x.expand(raw.Path)}
	switch p.Type {
	case ProbeTCP, ProbeGRPC:
		if p.Path != "" {
			errs = append(errs, "path is only valid for http probes")
		}
	case ProbeHTTP:
		if p.Path == "" {
			p.Path = "/"
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown type %q (want tcp, http, or grpc)", raw.Type))
	}
	if p.Port < 1 || p.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port %d is out of range", raw.Port))
	} else if !publishesTCPPort(ports, p.Port) {
		errs = append(errs, fmt.Sprintf("container port %d is not published; probes dial the host mapping", p.Port))
	}
	var err error
	if p.Timeout, err = parseDuration(raw.Timeout, DefaultProbeTimeout); err != nil {
		errs = append(errs, fmt.Sprintf("timeout: %v", err))
	}
	return p, errs
}

// validateReferences checks the invariants that need the full service set:
// dependency targets must exist and host ports must not collide.
func validateReferences(services map[string]ServiceSpec, origin map[string]string) []string {
	var errs []string

	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	type claim struct {
		hostIP  string
		service string
	}
	claimed := make(map[string][]claim)

	for _, name := range names {
		svc := services[name]
		for _, d := range svc.DependsOn {
			if _, ok := services[d]; !ok {
				msg := fmt.Sprintf("%s: service %q: depends_on references unknown service %q", origin[name], name, d)
				if suggestion := closestMatch(d, services); suggestion != "" {
					msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
				}
				errs = append(errs, msg)
			}
		}
		for _, p := range svc.Ports {
			key := p.HostPort + "/" + p.Protocol
			for _, c := range claimed[key] {
				// An empty host IP binds every interface, so it collides
				// with any other binding of the same port.
				if c.hostIP == p.HostIP || c.hostIP == "" || p.HostIP == "" {
					errs = append(errs, fmt.Sprintf("%s: service %q: host port %s is already published by service %q",
						origin[name], name, displayPort(p), c.service))
					break
				}
			}
			claimed[key] = append(claimed[key], claim{hostIP: p.HostIP, service: name})
		}
	}
	return errs
}

// closestMatch returns the service name closest to target using simple
// edit distance, or "" if no name is close enough.
func closestMatch(target string, services map[string]ServiceSpec) string {
	best := ""
	bestDist := len(target)/2 + 1 // threshold: must be within half the length
	for name := range services {
		d := editDistance(target, name)
		if d < bestDist {
			bestDist = d
			best = name
		}
	}
	return best
}

func editDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(curr[j-1]+1, min(prev[j]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}

	return prev[len(b)]
}

func sortedServiceKeys(services map[string]serviceYAML) []string {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

func publishesTCPPort(ports []PortMapping, port int) bool {
	want := strconv.Itoa(port)
	for _, p := range ports {
		if p.ContainerPort == want && p.Protocol == "tcp" {
			return true
		}
	}
	return false
}

func displayPort(p PortMapping) string {
	if p.HostIP != "" {
		return p.HostIP + ":" + p.HostPort + "/" + p.Protocol
	}
	return p.HostPort + "/" + p.Protocol
}
