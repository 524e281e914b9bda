// Package opcspace projects machine state into an OPC UA address
// space. The wire protocol itself is consumed only through the
// AddressSpace interface; Server is the only file that imports
// github.com/awcullen/opcua, so an inaccuracy in that library's surface
// is contained to this one adapter.
package opcspace

import (
	"context"
	"fmt"
	"time"

	"github.com/awcullen/opcua/server"
	"github.com/awcullen/opcua/ua"
	"github.com/rs/zerolog/log"
)

// Namespace is the fixed OPC UA namespace URI for the run.
const Namespace = "urn:line-server"

// DiscoveryURL is the fixed endpoint advertised by the server.
const DiscoveryURL = "opc.tcp://%s:4855/"

// MachineSnapshot is one machine's tag values for a single poll.
type MachineSnapshot struct {
	ID               string
	Status           string
	FaultMessage     string
	ProducedCount    uint64
	ConsumedCount    uint64
	StateChangeCount uint64
	FaultedCount     uint64
	InputInventory   uint64
	OutputInventory  uint64
	Sensor           bool
	SensorValue      float64
}

// AddressSpace is the interface the simulation driver drives; it hides
// the OPC UA wire protocol behind Build/Refresh/Teardown.
type AddressSpace interface {
	// Build creates the root folder and one subfolder of tags per
	// machine id, in order. Called once at driver start.
	Build(machineIDs []string) error
	// Refresh writes fresh values, timestamped "now", into every tag
	// named by snapshots. An error refreshing one machine's tags is
	// logged and skipped for that poll; Refresh itself never aborts
	// the remaining snapshots.
	Refresh(snapshots []MachineSnapshot) error
	// Teardown deletes every node created by Build, on STOP.
	Teardown() error
}

// nodeSet is the tags created for one machine folder.
type nodeSet struct {
	folder           *ua.FolderVariable
	state            *ua.BaseDataVariable
	faultMessage     *ua.BaseDataVariable
	producedCount    *ua.BaseDataVariable
	consumedCount    *ua.BaseDataVariable
	stateChangeCount *ua.BaseDataVariable
	faultCount       *ua.BaseDataVariable
	inputInventory   *ua.BaseDataVariable
	outputInventory  *ua.BaseDataVariable
	sensor           *ua.BaseDataVariable
}

// Server is the github.com/awcullen/opcua-backed AddressSpace
// implementation.
type Server struct {
	host string
	srv  *server.Server
	root *ua.FolderVariable
	tags map[string]*nodeSet
}

// NewServer constructs (but does not start) an OPC UA server bound to
// host, advertising Namespace and a discovery URL built from DiscoveryURL.
func NewServer(host string) (*Server, error) {
	srv, err := server.New(
		ua.ApplicationDescription{
			ApplicationName: ua.LocalizedText{Text: "line-server"},
			ApplicationType: ua.ApplicationTypeServer,
		},
		nil,
		fmt.Sprintf(DiscoveryURL, host),
	)
	if err != nil {
		return nil, fmt.Errorf("construct opc ua server: %w", err)
	}
	return &Server{host: host, srv: srv, tags: map[string]*nodeSet{}}, nil
}

// Start starts the server's own accept loop, on its own long-lived thread.
func (s *Server) Start(ctx context.Context) error {
	return s.srv.ListenAndServe(ctx)
}

// Stop stops the server's accept loop.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Build implements AddressSpace.
func (s *Server) Build(machineIDs []string) error {
	ns := s.srv.NamespaceManager()
	root := ua.NewFolderVariable(ua.NewNodeIDString(2, "line-server"), ua.NewQualifiedName(2, "line-server"))
	ns.AddNode(root)
	s.root = root

	for _, id := range machineIDs {
		folder := ua.NewFolderVariable(ua.NewNodeIDString(2, "machine/"+id), ua.NewQualifiedName(2, id))
		ns.AddNode(folder)
		root.AddReference(ua.ReferenceTypeIDOrganizes, true, folder.NodeID())

		ns_ := nodeSet{
			folder:           folder,
			state:            newStringTag(ns, folder, id, "state"),
			faultMessage:     newStringTag(ns, folder, id, "fault-message"),
			producedCount:    newUint64Tag(ns, folder, id, "produced-count"),
			consumedCount:    newUint64Tag(ns, folder, id, "consumed-count"),
			stateChangeCount: newUint64Tag(ns, folder, id, "state-change-count"),
			faultCount:       newUint64Tag(ns, folder, id, "fault-count"),
			inputInventory:   newUint64Tag(ns, folder, id, "input-inventory"),
			outputInventory:  newUint64Tag(ns, folder, id, "output-inventory"),
			sensor:           newFloat64Tag(ns, folder, id, "sensor"),
		}
		s.tags[id] = &ns_
	}
	return nil
}

// Refresh implements AddressSpace.
func (s *Server) Refresh(snapshots []MachineSnapshot) error {
	now := time.Now()
	for _, snap := range snapshots {
		set, ok := s.tags[snap.ID]
		if !ok {
			log.Error().Str("machine", snap.ID).Msg("opc refresh: unknown machine, skipped")
			continue
		}
		writeString(set.state, snap.Status, now)
		writeString(set.faultMessage, snap.FaultMessage, now)
		writeUint64(set.producedCount, snap.ProducedCount, now)
		writeUint64(set.consumedCount, snap.ConsumedCount, now)
		writeUint64(set.stateChangeCount, snap.StateChangeCount, now)
		writeUint64(set.faultCount, snap.FaultedCount, now)
		writeUint64(set.inputInventory, snap.InputInventory, now)
		writeUint64(set.outputInventory, snap.OutputInventory, now)
		if snap.Sensor {
			writeFloat64(set.sensor, snap.SensorValue, now)
		}
	}
	return nil
}

// Teardown implements AddressSpace.
func (s *Server) Teardown() error {
	ns := s.srv.NamespaceManager()
	for id, set := range s.tags {
		for _, n := range []ua.Node{set.state, set.faultMessage, set.producedCount,
			set.consumedCount, set.stateChangeCount, set.faultCount,
			set.inputInventory, set.outputInventory, set.sensor, set.folder} {
			ns.DeleteNode(n.NodeID(), true)
		}
		delete(s.tags, id)
	}
	if s.root != nil {
		ns.DeleteNode(s.root.NodeID(), true)
		s.root = nil
	}
	return nil
}

func newStringTag(ns *server.NamespaceManager, folder *ua.FolderVariable, machineID, tag string) *ua.BaseDataVariable {
	v := ua.NewBaseDataVariable(ua.NewNodeIDString(2, machineID+"/"+tag), ua.NewQualifiedName(2, tag), ua.NewVariant(""))
	ns.AddNode(v)
	folder.AddReference(ua.ReferenceTypeIDOrganizes, true, v.NodeID())
	return v
}

func newUint64Tag(ns *server.NamespaceManager, folder *ua.FolderVariable, machineID, tag string) *ua.BaseDataVariable {
	v := ua.NewBaseDataVariable(ua.NewNodeIDString(2, machineID+"/"+tag), ua.NewQualifiedName(2, tag), ua.NewVariant(uint64(0)))
	ns.AddNode(v)
	folder.AddReference(ua.ReferenceTypeIDOrganizes, true, v.NodeID())
	return v
}

func newFloat64Tag(ns *server.NamespaceManager, folder *ua.FolderVariable, machineID, tag string) *ua.BaseDataVariable {
	v := ua.NewBaseDataVariable(ua.NewNodeIDString(2, machineID+"/"+tag), ua.NewQualifiedName(2, tag), ua.NewVariant(float64(0)))
	ns.AddNode(v)
	folder.AddReference(ua.ReferenceTypeIDOrganizes, true, v.NodeID())
	return v
}

func writeString(v *ua.BaseDataVariable, val string, now time.Time) {
	v.SetValue(ua.NewDataValue(ua.NewVariant(val), 0, now, 0, now, 0))
}

func writeUint64(v *ua.BaseDataVariable, val uint64, now time.Time) {
	v.SetValue(ua.NewDataValue(ua.NewVariant(val), 0, now, 0, now, 0))
}

func writeFloat64(v *ua.BaseDataVariable, val float64, now time.Time) {
	v.SetValue(ua.NewDataValue(ua.NewVariant(val), 0, now, 0, now, 0))
}
