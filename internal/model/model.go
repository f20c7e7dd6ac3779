// Package model defines the staging-store data model shared by every
// pipeline stage: runs, files, points of interest, relationships, outbox
// events, and the triangulation bookkeeping tables.
package model

import "time"

// FileStatus is the monotonic lifecycle of a discovered file.
type FileStatus string

const (
	FileDiscovered FileStatus = "discovered"
	FileProcessed  FileStatus = "processed"
	FileFailed     FileStatus = "failed"
)

// POIType enumerates the code-entity kinds the classifier can report.
type POIType string

const (
	POIClassDefinition    POIType = "ClassDefinition"
	POIFunctionDefinition POIType = "FunctionDefinition"
	POIVariableDeclaration POIType = "VariableDeclaration"
	POIImportStatement    POIType = "ImportStatement"
)

// RelationshipStatus is the monotonic lifecycle of a candidate relationship.
type RelationshipStatus string

const (
	RelationshipPending    RelationshipStatus = "PENDING"
	RelationshipValidated  RelationshipStatus = "VALIDATED"
	RelationshipReconciled RelationshipStatus = "RECONCILED"
	RelationshipRejected   RelationshipStatus = "REJECTED"
)

// OutboxStatus is the lifecycle of an outbox row. Once Published it never
// reverts.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// OutboxEventType distinguishes the two event shapes the publisher drives
// downstream work from.
type OutboxEventType string

const (
	EventFileAnalysisFinding OutboxEventType = "file-analysis-finding"
	EventRelationshipCreation OutboxEventType = "relationship-creation"
)

// EvidenceStatus tracks aggregation progress for a relationship.
type EvidenceStatus string

const (
	EvidenceAccumulating EvidenceStatus = "ACCUMULATING"
	EvidenceCompleted    EvidenceStatus = "COMPLETED"
)

// TriangulationStatus is the per-session state machine; terminal states are
// Completed and Failed.
type TriangulationStatus string

const (
	TriangulationPending    TriangulationStatus = "PENDING"
	TriangulationInProgress TriangulationStatus = "IN_PROGRESS"
	TriangulationCompleted  TriangulationStatus = "COMPLETED"
	TriangulationFailed     TriangulationStatus = "FAILED"
)

// AgentType is a triangulation role.
type AgentType string

const (
	AgentSyntactic AgentType = "syntactic"
	AgentSemantic  AgentType = "semantic"
	AgentContextual AgentType = "contextual"
)

// ConsensusDecisionKind is the final verdict of a triangulation session.
type ConsensusDecisionKind string

const (
	DecisionAccept   ConsensusDecisionKind = "ACCEPT"
	DecisionReject   ConsensusDecisionKind = "REJECT"
	DecisionEscalate ConsensusDecisionKind = "ESCALATE"
)

// File is one row per path per run.
type File struct {
	ID       int64
	RunID    string
	FilePath string
	Hash     string
	Status   FileStatus
}

// POI is a code entity extracted by the classifier. Append-only within a
// run; SemanticID is unique within (run_id, file_id), Hash is globally
// unique for dedup.
type POI struct {
	ID         int64
	RunID      string
	FileID     int64
	Name       string
	Type       POIType
	StartLine  int
	EndLine    int
	IsExported bool
	SemanticID string
	Hash       string
	LLMOutput  string
}

// Relationship is a candidate edge between two POIs in the same run.
type Relationship struct {
	ID             int64
	RunID          string
	SourcePOIID    int64
	TargetPOIID    int64
	Type           string
	FilePath       string
	Status         RelationshipStatus
	Confidence     float64
	Reason         string
	Evidence       string
	EscalatedToHuman bool
}

// RelationshipRef is how a relationship-creation outbox payload names its
// endpoints before POI-ID resolution: by name or by semantic_id, never by
// database identifier.
type RelationshipRef struct {
	Name       string `json:"name,omitempty"`
	SemanticID string `json:"semantic_id,omitempty"`
}

// OutboxEvent is an append-only row awaiting downstream dispatch.
type OutboxEvent struct {
	ID              int64
	RunID           string
	EventType       OutboxEventType
	Payload         []byte
	Status          OutboxStatus
	CreatedAt       time.Time
	ResolutionAttempts int
	FailureReason   string
}

// RelationshipEvidence tracks per-relationship evidence accumulation.
type RelationshipEvidence struct {
	RunID            string
	RelationshipHash string
	EvidenceCount    int
	ExpectedCount    int
	TotalConfidence  float64
	AvgConfidence    float64
	Status           EvidenceStatus
}

// TriangulationSession is one re-analysis round for a low-confidence
// relationship.
type TriangulationSession struct {
	SessionID         string
	RelationshipID    int64
	Status            TriangulationStatus
	InitialConfidence float64
	FinalConfidence   float64
	ConsensusScore    float64
	EscalatedToHuman  bool
}

// AgentAnalysis is one agent role's verdict within a session. Exactly one
// row per (session_id, agent_type) once COMPLETED.
type AgentAnalysis struct {
	SessionID        string
	AgentType        AgentType
	ConfidenceScore  float64
	EvidenceStrength float64
	Reasoning        string
}

// ConsensusDecision is the final weighted verdict for a session.
type ConsensusDecision struct {
	SessionID          string
	WeightedConsensus  float64
	AgreementLevel     float64
	FinalDecision      ConsensusDecisionKind
	RequiresHumanReview bool
}
