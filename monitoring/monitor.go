// Package monitoring turns a running simulation into a small web
// server for external inspection and control.
package monitoring

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/process"

	"github.com/sarchlab/axsim/timing/core"
	"github.com/sarchlab/axsim/timing/pipeline"
)

// Monitor exposes stats and control endpoints for one simulated core.
type Monitor struct {
	core       *core.Core
	portNumber int
	addr       string
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port the server listens on. Ports below 1000
// are rejected and replaced with a random port.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is not allowed for the monitoring server. "+
				"Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterCore attaches the core to be monitored.
func (m *Monitor) RegisterCore(c *core.Core) {
	m.core = c
}

// Addr reports the listen address once the server has started.
func (m *Monitor) Addr() string { return m.addr }

// StartServer starts serving the monitoring API in the background.
func (m *Monitor) StartServer() {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	m.addr = listener.Addr().String()
	fmt.Fprintf(os.Stderr,
		"Monitoring simulation with http://localhost:%d\n",
		listener.Addr().(*net.TCPAddr).Port)

	go func() {
		dieOnErr(http.Serve(listener, m.router()))
	}()
}

func (m *Monitor) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/state", m.state)
	r.HandleFunc("/api/stats", m.stats)
	r.HandleFunc("/api/start", m.start)
	r.HandleFunc("/api/stop", m.stop)
	r.HandleFunc("/api/flush", m.flush)
	r.HandleFunc("/api/stages", m.listStages)
	r.HandleFunc("/api/stage/{name}", m.stageDetails)
	r.HandleFunc("/api/caches", m.caches)
	r.HandleFunc("/api/exceptions", m.exceptions)
	r.HandleFunc("/api/resource", m.listResources)

	return r
}

func (m *Monitor) state(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintf(w, "{\"state\":%q}", m.core.Controller.State())
}

func (m *Monitor) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.core.Stats())
}

func (m *Monitor) start(w http.ResponseWriter, _ *http.Request) {
	if err := m.core.Start(); err != nil {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, "Error: %s", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) stop(w http.ResponseWriter, _ *http.Request) {
	if err := m.core.Stop(); err != nil {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, "Error: %s", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) flush(w http.ResponseWriter, _ *http.Request) {
	if !m.core.Controller.Flush() {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, "Error: pipeline is not running")
		return
	}
	w.WriteHeader(http.StatusOK)
}

type stageRsp struct {
	Name        string  `json:"name"`
	InFlight    int     `json:"in_flight"`
	MaxInFlight int     `json:"max_in_flight"`
	Utilization float64 `json:"utilization"`
}

func (m *Monitor) listStages(w http.ResponseWriter, _ *http.Request) {
	rsp := make([]stageRsp, 0, 3)
	for _, stage := range m.backendStages() {
		rsp = append(rsp, stageRsp{
			Name:        stage.Name(),
			InFlight:    stage.InFlight(),
			MaxInFlight: stage.MaxInFlight(),
			Utilization: stage.Utilization(),
		})
	}

	writeJSON(w, rsp)
}

func (m *Monitor) stageDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if name == "fetch" {
		writeJSON(w, m.core.Controller.Fetch().Stats())
		return
	}

	for _, stage := range m.backendStages() {
		if stage.Name() == name {
			writeJSON(w, stage.Stats())
			return
		}
	}

	w.WriteHeader(http.StatusNotFound)
	fmt.Fprint(w, "Stage not found")
}

func (m *Monitor) caches(w http.ResponseWriter, _ *http.Request) {
	hierarchy := m.core.Hierarchy()
	if hierarchy == nil {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "Core runs on flat memory")
		return
	}

	writeJSON(w, hierarchy.Stats())
}

func (m *Monitor) exceptions(w http.ResponseWriter, _ *http.Request) {
	records := m.core.Controller.Writeback().RecentExceptions()
	writeJSON(w, records)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := proc.CPUPercent()
	dieOnErr(err)

	memoryInfo, err := proc.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memoryInfo.RSS,
	})
}

func (m *Monitor) backendStages() [3]*pipeline.Stage {
	c := m.core.Controller
	return [3]*pipeline.Stage{
		c.Decode().Stage(),
		c.Execute().Stage(),
		c.Writeback().Stage(),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(data)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
