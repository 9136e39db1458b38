package common

import (
	"net"
	"os"
	"os/user"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
)

const applianceMarker = "/usr/local/illumina"

// Platform describes the host the uploader landed on. Probed once at startup;
// downstream code branches on these flags instead of re-inspecting the host.
type Platform struct {
	Appliance   bool
	StagingRoot string
	Host        string
	User        string
	IP          string
	CronInvoked bool
}

// ProbePlatform detects the host class and picks the staging root. Identity
// fields that cannot be discovered are left empty rather than failing the run.
func ProbePlatform() Platform {
	p := Platform{}

	if fi, err := os.Stat(applianceMarker); err == nil && fi.IsDir() {
		p.Appliance = true
		p.StagingRoot = filepath.Join(applianceMarker, "seq-run-uploads")
	} else {
		p.StagingRoot = filepath.Join(os.TempDir(), "seq-run-uploads")
	}

	if host, err := os.Hostname(); err == nil {
		p.Host = host
	}
	if u, err := user.Current(); err == nil {
		p.User = u.Username
	}
	p.IP = firstNonLoopbackIP()
	p.CronInvoked = os.Getenv("CRON_INVOKED") != "" || !isatty.IsTerminal(os.Stdin.Fd())

	log.Debug().
		Bool("appliance", p.Appliance).
		Str("staging_root", p.StagingRoot).
		Str("ip", p.IP).
		Bool("cron", p.CronInvoked).
		Msg("platform probe")

	return p
}

// Verify confirms the staging root is usable. A host where we cannot stage
// chunks cannot run at all.
func (p Platform) Verify() error {
	if err := os.MkdirAll(p.StagingRoot, 0o755); err != nil {
		return ErrMissingDependency
	}
	probe, err := os.CreateTemp(p.StagingRoot, ".probe-*")
	if err != nil {
		return ErrMissingDependency
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

func firstNonLoopbackIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
