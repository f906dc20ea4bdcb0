package store

// RawDomain is one record of the domains feed.
type RawDomain struct {
	ID                           string `json:"id"`
	Name                         string `json:"name"`
	MainSimilarDomainID          string `json:"main_similar_domain_id,omitempty"`
	IndexableFromRobotsTxt       bool   `json:"indexable_from_robots_txt"`
	WebsiteContentIndexable      bool   `json:"website_content_indexable"`
	WebsiteHasContent            bool   `json:"website_has_content"`
	WebsiteHasStyle              bool   `json:"website_has_style"`
	RedirectDomainTarget         string `json:"redirect_domain_target,omitempty"`
	WebsiteTitle                 string `json:"website_title,omitempty"`
	WebsiteInferredName          string `json:"website_inferred_name,omitempty"`
	WebsiteRawContent            string `json:"-"`
	ProbableRepositoryURL        string `json:"probable_repository_url,omitempty"`
	LastReachabilityErrorAt      *int64 `json:"last_reachability_error_at,omitempty"`
	LastReachabilityErrorMessage string `json:"last_reachability_error_message,omitempty"`
	CreatedAt                    int64  `json:"created_at"`
	UpdatedAt                    int64  `json:"updated_at"`
}

// RawRepository is one record of the repositories feed.
type RawRepository struct {
	ID                           string `json:"id"`
	RepositoryURL                string `json:"repository_url"`
	Name                         string `json:"name"`
	Description                  string `json:"description,omitempty"`
	Homepage                     string `json:"homepage,omitempty"`
	IsFork                       bool   `json:"is_fork"`
	MainSimilarRepositoryID      string `json:"main_similar_repository_id,omitempty"`
	ProbableWebsiteDomain        string `json:"probable_website_domain,omitempty"`
	DefaultBranch                string `json:"default_branch,omitempty"`
	LastReachabilityErrorAt      *int64 `json:"last_reachability_error_at,omitempty"`
	LastReachabilityErrorMessage string `json:"last_reachability_error_message,omitempty"`
	CreatedAt                    int64  `json:"created_at"`
	UpdatedAt                    int64  `json:"updated_at"`
}

// Member is a membership row of a cluster.
type Member struct {
	ID   string `json:"id"`
	Main bool   `json:"main"`
}

// InitiativeMap is a persisted cluster.
type InitiativeMap struct {
	ID                      string   `json:"id"`
	MainItemIdentifier      string   `json:"main_item_identifier"`
	NeedsUpdate             bool     `json:"needs_update"`
	DeletedAt               *int64   `json:"deleted_at,omitempty"`
	LastReachabilityErrorAt *int64   `json:"last_reachability_error_at,omitempty"`
	Domains                 []Member `json:"domains"`
	Repositories            []Member `json:"repositories"`
	CreatedAt               int64    `json:"created_at"`
	UpdatedAt               int64    `json:"updated_at"`
}

// DomainMember is a cluster member domain with its full raw record.
type DomainMember struct {
	*RawDomain
	Main bool
}

// RepositoryMember is a cluster member repository with its full raw record.
type RepositoryMember struct {
	*RawRepository
	Main bool
}

// FunctionalUseCase is one of the fixed capability flags.
type FunctionalUseCase string

const (
	GeneratesPDF           FunctionalUseCase = "GENERATES_PDF"
	HasVirtualEmailInboxes FunctionalUseCase = "HAS_VIRTUAL_EMAIL_INBOXES"
	SendsEmails            FunctionalUseCase = "SENDS_EMAILS"
)

// FunctionalUseCases lists every known flag in display order.
var FunctionalUseCases = []FunctionalUseCase{GeneratesPDF, HasVirtualEmailInboxes, SendsEmails}

// Tool is a shared technical vocabulary entry.
type Tool struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// BusinessUseCase is a free-text purpose tag.
type BusinessUseCase struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Initiative is the enriched entity, 1:1 with a live cluster via OriginID.
type Initiative struct {
	ID                 string              `json:"id"`
	OriginID           string              `json:"origin_id"`
	Name               string              `json:"name"`
	Description        string              `json:"description"`
	Websites           []string            `json:"websites"`
	Repositories       []string            `json:"repositories"`
	FunctionalUseCases []FunctionalUseCase `json:"functional_use_cases"`
	Tools              []Tool              `json:"tools"`
	BusinessUseCases   []BusinessUseCase   `json:"business_use_cases"`
	CreatedAt          int64               `json:"created_at"`
	UpdatedAt          int64               `json:"updated_at"`
}

// ListFilter narrows ListInitiatives.
type ListFilter struct {
	Query              string
	ToolIDs            []string
	BusinessUseCaseIDs []string
	FunctionalUseCases []FunctionalUseCase
	Limit              int
	Offset             int
}

// KnowledgeKind selects one of the two knowledge bases.
type KnowledgeKind string

const (
	KnowledgeInitiatives KnowledgeKind = "initiatives"
	KnowledgeTools       KnowledgeKind = "tools"
)

// Settings is the process-wide singleton row.
type Settings struct {
	Version                       int64    `json:"version"`
	UpdateIngestedInitiatives     bool     `json:"update_ingested_initiatives"`
	UpdateIngestedTools           bool     `json:"update_ingested_tools"`
	InitiativesDocumentIDs        []string `json:"initiatives_document_ids"`
	InitiativesDocumentsUpdatedAt *int64   `json:"initiatives_documents_updated_at,omitempty"`
	ToolsDocumentIDs              []string `json:"tools_document_ids"`
	ToolsDocumentsUpdatedAt       *int64   `json:"tools_documents_updated_at,omitempty"`
}

// Documents returns the bookkeeping of kind.
func (s *Settings) Documents(kind KnowledgeKind) []string {
	if kind == KnowledgeTools {
		return s.ToolsDocumentIDs
	}
	return s.InitiativesDocumentIDs
}

// SetDocuments replaces the bookkeeping of kind and clears its pending flag.
func (s *Settings) SetDocuments(kind KnowledgeKind, ids []string, at int64) {
	if kind == KnowledgeTools {
		s.ToolsDocumentIDs = ids
		s.ToolsDocumentsUpdatedAt = &at
		s.UpdateIngestedTools = false
		return
	}
	s.InitiativesDocumentIDs = ids
	s.InitiativesDocumentsUpdatedAt = &at
	s.UpdateIngestedInitiatives = false
}

// MarkPending flags kind for a new ingestion.
func (s *Settings) MarkPending(kind KnowledgeKind) {
	if kind == KnowledgeTools {
		s.UpdateIngestedTools = true
		return
	}
	s.UpdateIngestedInitiatives = true
}

// Pending reports whether kind needs a new ingestion.
func (s *Settings) Pending(kind KnowledgeKind) bool {
	if kind == KnowledgeTools {
		return s.UpdateIngestedTools
	}
	return s.UpdateIngestedInitiatives
}

// IngestedAt returns when the documents of kind were published, in unix
// milliseconds, or nil if they never were.
func (s *Settings) IngestedAt(kind KnowledgeKind) *int64 {
	if kind == KnowledgeTools {
		return s.ToolsDocumentsUpdatedAt
	}
	return s.InitiativesDocumentsUpdatedAt
}

