package factory

import (
	"errors"
	"testing"

	"github.com/tinyrange/vectab/internal/hv"
)

func TestOpenWithArchitectureRejectsForeignGuests(t *testing.T) {
	if _, err := OpenWithArchitecture(hv.CpuArchitecture("arm64")); err == nil {
		t.Fatalf("OpenWithArchitecture(arm64) succeeded")
	}
}

func TestOpenWithArchitecture(t *testing.T) {
	h, err := OpenWithArchitecture(hv.ArchitectureX86_64)
	if errors.Is(err, hv.ErrHypervisorUnsupported) {
		t.Skip("no hypervisor on this platform")
	}
	if err != nil {
		t.Skipf("hypervisor unavailable: %v", err)
	}
	defer h.Close()

	if h.Architecture() != hv.ArchitectureX86_64 {
		t.Fatalf("Architecture() = %s", h.Architecture())
	}
}
