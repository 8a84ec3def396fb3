package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

func TestTXTRoundTrip(t *testing.T) {
	txt := EncodeTXT(map[string]string{"session": "bio", "role": "relay"})
	assert.Equal(t, []string{"role=relay", "session=bio"}, txt)
	assert.Equal(t, map[string]string{"role": "relay", "session": "bio", "flag": ""}, DecodeTXT(append(txt, "flag", "")))
}

func TestFromEntry(t *testing.T) {
	e := zeroconf.NewServiceEntry("room-1", Service, Domain)
	e.HostName = "lab.local."
	e.Port = 8081
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	e.Text = []string{"session=bio"}

	p := FromEntry(e)
	assert.Equal(t, "room-1", p.Instance)
	assert.Equal(t, "bio", p.Text["session"])
	assert.Equal(t, "http://192.168.1.20:8081", p.URL())

	p.Addrs = nil
	assert.Equal(t, "http://lab.local:8081", p.URL())
}
