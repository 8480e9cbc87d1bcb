package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fgeck/kmscheck/internal/models"
	"github.com/rs/zerolog"
)

const (
	projectDir   = "~/go/src/smartkey-kubernetes-kms"
	packageDir   = "~/go/src"
	packageFile  = "smartkey-kmsplugin_1.0-1_amd64.deb"
	manifestFile = "/etc/kubernetes/manifests/kube-apiserver.yaml"
	configFile   = "/etc/smartkey/smartkey-grpc.conf"
)

const kubeadmManifest = `apiVersion: v1
kind: Pod
metadata:
  name: kube-apiserver
  namespace: kube-system
spec:
  containers:
  - command:
    - kube-apiserver
    - --advertise-address=10.0.0.5
    image: registry.k8s.io/kube-apiserver:v1.30.0
    name: kube-apiserver
    volumeMounts:
    - mountPath: /etc/kubernetes/pki
      name: k8s-certs
      readOnly: true
  volumes:
  - hostPath:
      path: /etc/kubernetes/pki
      type: DirectoryOrCreate
    name: k8s-certs
`

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() *models.Config {
	return &models.Config{
		Env:        "sandbox",
		ServerName: "lab1",
		Environment: models.EnvironmentConfig{
			BaseURL: "https://sandbox.smartkey.io",
			APIURL:  "https://sandbox.smartkey.io",
			APIKey:  "api-key",
		},
		Pipeline: models.PipelineConfig{
			ProjectDir:   projectDir,
			PackageDir:   packageDir,
			PackageFile:  packageFile,
			PackageName:  "smartkey-kmsplugin",
			ConfigDir:    "/etc/smartkey",
			ConfigFile:   configFile,
			SocketFile:   "/etc/smartkey/smartkey.socket",
			ManifestFile: manifestFile,
			ProviderName: "smartkey-test",
			StagingDir:   "/tmp",
			ShellTimeout: 10 * time.Second,
			TestTimeout:  5 * time.Minute,
			BuildTimeout: 2 * time.Minute,
			ReloadWait:   5 * time.Second,
			StartWait:    5 * time.Second,
		},
		Verify: models.VerifyConfig{
			Oracle:      models.OracleEtcdctl,
			SecretName:  "mysecret.equinix.com",
			SecretKey:   "es-engkey",
			SecretValue: "equinixdata",
		},
	}
}

// fakeHost emulates the lab host closely enough for the stage logic: it
// tracks files in the project and package directories, installed files and
// the API server manifest.
type fakeHost struct {
	project   map[string]bool
	packages  map[string]bool
	installed map[string]bool
	contents  map[string][]byte
	uploads   map[string][]byte

	testOutput    string
	installerTail string
	execOverride  map[string]*models.CommandResult
	shellErr      error
	missingDirs   map[string]bool

	shellLog []string
	execLog  []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		project:       map[string]bool{"Makefile": true, "main.go": true, "create_installer.sh": true},
		packages:      map[string]bool{},
		installed:     map[string]bool{},
		contents:      map[string][]byte{},
		uploads:       map[string][]byte{},
		testOutput:    "ok  \tsmartkey-kubernetes-kms\t0.021s",
		installerTail: "Finished running lintian.",
		execOverride:  map[string]*models.CommandResult{},
		missingDirs:   map[string]bool{},
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (h *fakeHost) RunInShell(_ context.Context, _ time.Duration, commands ...string) (*models.ShellOutput, error) {
	if h.shellErr != nil {
		return nil, h.shellErr
	}
	out := &models.ShellOutput{}
	var text strings.Builder
	for _, c := range commands {
		h.shellLog = append(h.shellLog, c)
		out.ExitCode = 0
		switch {
		case strings.HasPrefix(c, "cd ") && h.missingDirs[strings.TrimPrefix(c, "cd ")]:
			fmt.Fprintf(&text, "bash: cd: %s: No such file or directory\n", strings.TrimPrefix(c, "cd "))
			out.ExitCode = 1
		case c == "ls -1" || c == "ls "+projectDir+" -1":
			for _, f := range sortedKeys(h.project) {
				text.WriteString(f + "\n")
			}
		case c == "rm -f smartkey-kms":
			delete(h.project, "smartkey-kms")
		case c == "make test | tail -1":
			text.WriteString(h.testOutput + "\n")
		case c == "make build":
			h.project["smartkey-kms"] = true
		case c == "make clean":
			delete(h.project, "smartkey-kms")
		case c == "rm -f "+packageDir+"/smartkey-kmsplugin*":
			h.packages = map[string]bool{}
		case strings.HasPrefix(c, "sudo timeout --signal=INT "):
			text.WriteString("2026/10/18 10:00:00 loading config\n" + PluginStartedMarker + "\n")
			out.ExitCode = 124
		}
	}
	out.Text = text.String()
	return out, nil
}

func (h *fakeHost) Exec(_ context.Context, commands ...string) (*models.CommandResult, error) {
	c := strings.Join(commands, "; ")
	h.execLog = append(h.execLog, c)

	if res, ok := h.execOverride[c]; ok {
		return res, nil
	}

	switch {
	case strings.HasPrefix(c, "ls -1 "):
		return &models.CommandResult{Lines: sortedKeys(h.packages)}, nil
	case strings.HasPrefix(c, "ls "):
		if h.installed[strings.TrimPrefix(c, "ls ")] {
			return &models.CommandResult{Lines: []string{strings.TrimPrefix(c, "ls ")}}, nil
		}
		msg := fmt.Sprintf("ls: cannot access '%s': No such file or directory", strings.TrimPrefix(c, "ls "))
		return &models.CommandResult{ExitCode: 2, Lines: []string{msg}, ErrorText: msg + "\n"}, nil
	case c == "sudo dpkg -P smartkey-kmsplugin":
		for _, f := range []string{"/usr/bin/smartkey-kms", "/lib/systemd/system/smartkey-grpc.service", configFile, "/etc/smartkey/smartkey.yaml"} {
			delete(h.installed, f)
		}
	case c == "sudo kubeadm reset -f":
		delete(h.installed, manifestFile)
		delete(h.contents, manifestFile)
	case c == "sudo kubeadm init":
		h.installed[manifestFile] = true
		h.contents[manifestFile] = []byte(kubeadmManifest)
	case c == "sudo dpkg -i "+packageDir+"/"+packageFile:
		for _, f := range []string{"/usr/bin/smartkey-kms", "/lib/systemd/system/smartkey-grpc.service", configFile, "/etc/smartkey/smartkey.yaml"} {
			h.installed[f] = true
		}
	case c == "cd "+projectDir+"; sudo ./create_installer.sh":
		h.packages[packageFile] = true
		return &models.CommandResult{Lines: []string{"dpkg-deb: building package", "Now running lintian...", h.installerTail}}, nil
	case c == "kubectl create secret generic mysecret.equinix.com -n default --from-literal=es-engkey=equinixdata":
		return &models.CommandResult{Lines: []string{"secret/mysecret.equinix.com created"}}, nil
	case c == "kubectl get secrets":
		return &models.CommandResult{Lines: []string{"NAME                   TYPE     DATA   AGE", "mysecret.equinix.com   Opaque   1      0s"}}, nil
	case c == "sudo service smartkey-grpc status":
		return &models.CommandResult{Lines: []string{"● smartkey-grpc.service - SmartKey KMS plugin", "   Active: active (running)", "Oct 18 smartkey-kms[42]: " + PluginStartedMarker}}, nil
	case strings.HasPrefix(c, "sudo cat "):
		content, ok := h.contents[strings.TrimPrefix(c, "sudo cat ")]
		if !ok {
			return &models.CommandResult{ExitCode: 1, ErrorText: "No such file or directory\n"}, nil
		}
		return &models.CommandResult{Lines: strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")}, nil
	case strings.HasPrefix(c, "sudo mkdir -p ") && strings.Contains(c, " && sudo mv "):
		// sudo mkdir -p DIR && sudo mv SRC DST && sudo chown root:root DST
		fields := strings.Fields(c)
		src, dst := fields[7], fields[8]
		h.contents[dst] = h.uploads[src]
		h.installed[dst] = true
		delete(h.uploads, src)
	}
	return &models.CommandResult{}, nil
}

func (h *fakeHost) WriteFile(_ context.Context, path string, content []byte, _ os.FileMode) error {
	h.uploads[path] = append([]byte(nil), content...)
	return nil
}

// encrypted reports whether the API server manifest references the provider config.
func (h *fakeHost) encrypted() bool {
	return strings.Contains(string(h.contents[manifestFile]), "--encryption-provider-config=/etc/smartkey/smartkey.yaml")
}

// hostOracle renders the stored secret the way hexdump would, depending on
// whether the provider is wired in.
type hostOracle struct {
	host  *fakeHost
	reads int
	err   error
}

func (o *hostOracle) ReadSecret(_ context.Context, namespace, name string) (string, error) {
	o.reads++
	if o.err != nil {
		return "", o.err
	}
	key := "/registry/secrets/" + namespace + "/" + name + "."
	if o.host.encrypted() {
		return key + "k8s:enc:kms:v1:smartkey-test:.....%..Z..", nil
	}
	return key + "k8s....v1..Secret......mysecret.equinix.com..default...es-engkey..equinixdata..Opaque..", nil
}

type fakeKeys struct {
	calls int
	err   error
}

func (k *fakeKeys) GenerateAESKeyCycle(context.Context) (*models.KeyMaterial, error) {
	k.calls++
	if k.err != nil {
		return nil, k.err
	}
	return &models.KeyMaterial{KeyID: fmt.Sprintf("kid-%d", k.calls), IV: "aXY="}, nil
}

func newTestPipeline(h *fakeHost) (*Pipeline, *fakeKeys, *hostOracle) {
	keys := &fakeKeys{}
	oracle := &hostOracle{host: h}
	p := New(testLogger(), h, keys, oracle, testConfig())
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p, keys, oracle
}
