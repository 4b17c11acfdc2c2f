// Command calimero-demo brings up a Calimero stack over the in-memory
// loopback medium and runs a scripted Data Secure group write/read, purely
// to exercise the stack end to end; it is not a deployment target (the
// loopback medium stands in for the USB/TP-UART/KNXnet-IP drivers excluded
// by spec).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/go-envparse"
	"github.com/spf13/pflag"

	"github.com/calimero-project/calimero-core-sub010/cemi"
	"github.com/calimero-project/calimero-core-sub010/config"
	"github.com/calimero-project/calimero-core-sub010/klog"
	"github.com/calimero-project/calimero-core-sub010/knxaddr"
	"github.com/calimero-project/calimero-core-sub010/link"
	"github.com/calimero-project/calimero-core-sub010/secure"
	"github.com/calimero-project/calimero-core-sub010/transport"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		x, err := readEnv(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		e = x
	}

	var c config.Config
	if err := c.UnmarshalEnv(e, false); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	dev, err := c.Device()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse device address: %v\n", err)
		os.Exit(1)
	}

	log := klog.New("calimero-demo")
	log.LogMode(c.LogEnabled)
	klog.SetGlobalLevel(c.LogLevel)

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.WritePrometheus(w, true)
		})
		go func() {
			if err := http.ListenAndServe(c.MetricsAddr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "warning: metrics server stopped: %v\n", err)
			}
		}()
	}

	medium := link.NewLoopbackMedium(dev)
	l := link.New(medium, log)
	tl := transport.NewTransportLayer(l, log)
	sec := secure.NewSecurity(dev)

	group, err := knxaddr.ParseGroupAddress("1/1/1")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse group address: %v\n", err)
		os.Exit(1)
	}
	var groupKey [secure.KeyLen]byte
	copy(groupKey[:], "0123456789abcdef")
	sec.SetGroupKey(group, groupKey, nil)

	l.AddListener(link.ListenerFuncs{
		OnIndication: func(f cemi.LData) {
			if !f.Dst.IsGroup() {
				return
			}
			svc, apdu, err := sec.HandleInbound(f.TPCI, f.Src, f.Dst, f.NSDU, 0, nil)
			if err != nil {
				log.Warn("secure group indication rejected: %v", err)
				return
			}
			if svc == secure.ServiceData {
				log.Debug("received secure group telegram on %s: % x", f.Dst.String(), apdu)
			}
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runDemo(tl, sec, group); err != nil {
		fmt.Fprintf(os.Stderr, "error: demo send: %v\n", err)
	}

	<-ctx.Done()
	_ = l.Close()
}

// runDemo performs a single Data Secure group write, standing in for what a
// real application would do on a device's behalf.
func runDemo(tl *transport.TransportLayer, sec *secure.Security, group knxaddr.GroupAddress) error {
	apdu := []byte{0x00, 0x81} // GroupValueWrite true
	frame, err := sec.SecureData(0x00, knxaddr.Group(group), apdu, false, true, 0)
	if err != nil {
		return err
	}
	return tl.SendGroup(group, cemi.PriorityLow, frame)
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	r := make([]string, 0, len(m))
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
