package repos

// ProcID identifies a VestaSourceSRPC procedure. The ordering and numeric
// values below are load-bearing: clients identify procedures by this
// integer (passed as StartCall's procID), and the set and order of this
// enum is part of the wire contract every surrogate and server must agree
// on bit-exactly, matching the reference server's call-id ordering.
type ProcID int32

const (
	ProcLookup ProcID = iota
	ProcCreateVolatileDirectory
	ProcDeleteVolatileDirectory
	ProcList
	ProcGetNFSInfo
	ProcReallyDelete
	ProcInsertFile
	ProcInsertMutableFile
	ProcInsertImmutableDirectory
	ProcInsertAppendableDirectory
	ProcInsertMutableDirectory
	ProcInsertGhost
	ProcInsertStub
	ProcRenameTo
	ProcMakeMutable
	ProcInAttribs
	ProcGetAttrib
	ProcListAttribs
	ProcGetAttribHistory
	ProcWriteAttrib
	ProcLookupPathname
	ProcLookupIndex
	ProcMakeFilesImmutable
	ProcSetIndexMaster
	ProcStat
	ProcRead
	ProcWrite
	ProcSetExecutable
	ProcSetSize
	ProcSetTimestamp
	ProcFPToShortId
	ProcGetBase
	procObsolete4 // formerly an old mastership-transfer opcode
	procObsolete5 // formerly an old mastership-transfer opcode
	ProcAtomic
	ProcAtomicTarget
	ProcAtomicDeclare
	ProcAtomicResync
	ProcAtomicTestMaster
	ProcAtomicSetMaster
	ProcAtomicAccessCheck
	ProcAtomicTypeCheck
	ProcAtomicRun
	ProcAtomicCancel
	ProcAtomicMergeAttrib
	ProcAcquireMastership
	ProcCedeMastership
	ProcReplicate
	ProcReplicateAttribs
	ProcGetUserInfo
	ProcRefreshAccessTables
	ProcGetStats
	ProcMeasureDirectory
	ProcCollapseBase
	ProcSetPerfDebug
	ProcGetServerInfo
	ProcReadWholeCompressed
)

var procNames = [...]string{
	"lookup", "createVolatileDirectory", "deleteVolatileDirectory", "list",
	"getNFSInfo", "reallyDelete", "insertFile", "insertMutableFile",
	"insertImmutableDirectory", "insertAppendableDirectory",
	"insertMutableDirectory", "insertGhost", "insertStub", "renameTo",
	"makeMutable", "inAttribs", "getAttrib", "listAttribs",
	"getAttribHistory", "writeAttrib", "lookupPathname", "lookupIndex",
	"makeFilesImmutable", "setIndexMaster", "stat", "read", "write",
	"setExecutable", "setSize", "setTimestamp", "fpToShortId", "getBase",
	"obsolete4", "obsolete5", "atomic", "atomicTarget", "atomicDeclare",
	"atomicResync", "atomicTestMaster", "atomicSetMaster",
	"atomicAccessCheck", "atomicTypeCheck", "atomicRun", "atomicCancel",
	"atomicMergeAttrib", "acquireMastership", "cedeMastership", "replicate",
	"replicateAttribs", "getUserInfo", "refreshAccessTables", "getStats",
	"measureDirectory", "collapseBase", "setPerfDebug", "getServerInfo",
	"readWholeCompressed",
}

func (p ProcID) String() string {
	if int(p) >= 0 && int(p) < len(procNames) {
		return procNames[p]
	}
	return "unknown"
}

// IntfVersion is the interface version negotiated in every StartCall; a
// mismatch with the peer's declared version is a version_skew failure at
// the SRPC layer, independent of the hello-item protocol version check.
const IntfVersion = 1
