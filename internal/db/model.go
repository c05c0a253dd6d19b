package db

import (
	"time"

	"github.com/uptrace/bun"
)

// ArticulumState is the lifecycle state of an articulum. Transitions between
// states go through the state package only.
type ArticulumState string

const (
	StateNew                = ArticulumState("NEW")
	StateCatalogParsing     = ArticulumState("CATALOG_PARSING")
	StateCatalogParsed      = ArticulumState("CATALOG_PARSED")
	StateValidating         = ArticulumState("VALIDATING")
	StateValidated          = ArticulumState("VALIDATED")
	StateObjectParsing      = ArticulumState("OBJECT_PARSING")
	StateRejectedByMinCount = ArticulumState("REJECTED_BY_MIN_COUNT")
)

// AllStates lists every valid state.
var AllStates = []ArticulumState{
	StateNew,
	StateCatalogParsing,
	StateCatalogParsed,
	StateValidating,
	StateValidated,
	StateObjectParsing,
	StateRejectedByMinCount,
}

// FinalStates have no outbound transitions.
var FinalStates = []ArticulumState{
	StateObjectParsing,
	StateRejectedByMinCount,
}

// TaskStatus is the queue status shared by catalog and object tasks.
type TaskStatus string

const (
	TaskPending    = TaskStatus("pending")
	TaskProcessing = TaskStatus("processing")
	TaskCompleted  = TaskStatus("completed")
	TaskFailed     = TaskStatus("failed")
	TaskInvalid    = TaskStatus("invalid")
)

type ArticulumModel struct {
	bun.BaseModel  `bun:"table:articulums,alias:a"`
	Id             int64          `bun:"id,pk,autoincrement"`
	Articulum      string         `bun:"articulum,notnull,unique"`
	State          ArticulumState `bun:"state,notnull"`
	StateUpdatedAt time.Time      `bun:"state_updated_at,nullzero,default:now()"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,default:now()"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,default:now()"`
}

type ProxyModel struct {
	bun.BaseModel     `bun:"table:proxies,alias:p"`
	Id                int64      `bun:"id,pk,autoincrement"`
	Host              string     `bun:"host,notnull"`
	Port              int        `bun:"port,notnull"`
	Username          string     `bun:"username"`
	Password          string     `bun:"password"`
	IsBlocked         bool       `bun:"is_blocked,notnull,default:false"`
	IsInUse           bool       `bun:"is_in_use,notnull,default:false"`
	WorkerId          *string    `bun:"worker_id"`
	ConsecutiveErrors int        `bun:"consecutive_errors,notnull,default:0"`
	LastErrorAt       *time.Time `bun:"last_error_at"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,default:now()"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,default:now()"`
}

type CatalogTaskModel struct {
	bun.BaseModel  `bun:"table:catalog_tasks,alias:ct"`
	Id             int64      `bun:"id,pk,autoincrement"`
	ArticulumId    int64      `bun:"articulum_id,notnull"`
	Status         TaskStatus `bun:"status,notnull"`
	CheckpointPage int        `bun:"checkpoint_page,notnull,default:1"`
	WorkerId       *string    `bun:"worker_id"`
	HeartbeatAt    *time.Time `bun:"heartbeat_at"`
	WrongPageCount int        `bun:"wrong_page_count,notnull,default:0"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,default:now()"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,default:now()"`
}

type ObjectTaskModel struct {
	bun.BaseModel `bun:"table:object_tasks,alias:ot"`
	Id            int64      `bun:"id,pk,autoincrement"`
	ArticulumId   int64      `bun:"articulum_id,notnull"`
	AvitoItemId   string     `bun:"avito_item_id,notnull"`
	Status        TaskStatus `bun:"status,notnull"`
	WorkerId      *string    `bun:"worker_id"`
	HeartbeatAt   *time.Time `bun:"heartbeat_at"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,default:now()"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,default:now()"`
}

type CatalogListingModel struct {
	bun.BaseModel `bun:"table:catalog_listings,alias:cl"`
	Id            int64     `bun:"id,pk,autoincrement"`
	ArticulumId   int64     `bun:"articulum_id,notnull"`
	AvitoItemId   string    `bun:"avito_item_id,notnull,unique"`
	Title         string    `bun:"title"`
	Price         *float64  `bun:"price"`
	SnippetText   string    `bun:"snippet_text"`
	SellerName    string    `bun:"seller_name"`
	SellerId      string    `bun:"seller_id"`
	SellerRating  *float64  `bun:"seller_rating"`
	SellerReviews *int      `bun:"seller_reviews"`
	ImageUrls     []string  `bun:"image_urls,array"`
	ImageKeys     []string  `bun:"image_keys,array"`
	CreatedAt     time.Time `bun:"created_at,nullzero,default:now()"`
}

// ObjectDataModel is append-only: each successful detail parse adds a row, so
// view-count deltas over time stay queryable.
type ObjectDataModel struct {
	bun.BaseModel   `bun:"table:object_data,alias:od"`
	Id              int64             `bun:"id,pk,autoincrement"`
	ArticulumId     int64             `bun:"articulum_id,notnull"`
	AvitoItemId     string            `bun:"avito_item_id,notnull"`
	Title           string            `bun:"title"`
	Price           *float64          `bun:"price"`
	SellerName      string            `bun:"seller_name"`
	PublishedAt     *time.Time        `bun:"published_at"`
	Description     string            `bun:"description"`
	LocationName    string            `bun:"location_name"`
	Characteristics map[string]string `bun:"characteristics,type:jsonb"`
	ViewsTotal      *int              `bun:"views_total"`
	RawHtml         *string           `bun:"raw_html"`
	ParsedAt        time.Time         `bun:"parsed_at,nullzero,default:now()"`
}

type ValidationResultModel struct {
	bun.BaseModel   `bun:"table:validation_results,alias:vr"`
	Id              int64     `bun:"id,pk,autoincrement"`
	ArticulumId     int64     `bun:"articulum_id,notnull"`
	AvitoItemId     string    `bun:"avito_item_id,notnull"`
	ValidationType  string    `bun:"validation_type,notnull"`
	Passed          bool      `bun:"passed,notnull"`
	RejectionReason *string   `bun:"rejection_reason"`
	CreatedAt       time.Time `bun:"created_at,nullzero,default:now()"`
}

type ReparseFilterItemModel struct {
	bun.BaseModel `bun:"table:reparse_filter_items,alias:rfi"`
	Id            int64  `bun:"id,pk,autoincrement"`
	AvitoItemId   string `bun:"avito_item_id,notnull,unique"`
}

type ReparseFilterArticulumModel struct {
	bun.BaseModel `bun:"table:reparse_filter_articulums,alias:rfa"`
	Id            int64  `bun:"id,pk,autoincrement"`
	Articulum     string `bun:"articulum,notnull,unique"`
}
