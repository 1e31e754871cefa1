package knowledge

import (
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Dimensions is the width of the embeddings column on postgres and TiDB.
const Dimensions = 3072

// Resource is a knowledge-base document. Resources are global, not per user.
type Resource struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Resource) TableName() string { return "resources" }

type Embedding struct {
	ID         string `gorm:"type:varchar(36);primaryKey" json:"id"`
	ResourceID string `gorm:"type:varchar(36);not null;index" json:"resourceId"`
	Content    string `gorm:"type:text;not null" json:"content"`
	Embedding  Vector `gorm:"size:3072;not null" json:"-"`
}

func (Embedding) TableName() string { return "embeddings" }

// Vector stores a pgvector value. The column is a native vector on postgres
// and TiDB and the "[x,y,...]" text form elsewhere.
type Vector struct {
	pgvector.Vector
}

func NewVector(v []float32) Vector {
	return Vector{pgvector.NewVector(v)}
}

func (Vector) GormDataType() string { return "vector" }

func (Vector) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	size := field.Size
	if size <= 0 {
		size = Dimensions
	}
	switch db.Dialector.Name() {
	case "postgres":
		return fmt.Sprintf("vector(%d)", size)
	case "mysql":
		return fmt.Sprintf("VECTOR(%d)", size)
	default:
		return "text"
	}
}

// Match is one retrieval hit.
type Match struct {
	Content         string  `json:"content"`
	Similarity      float64 `json:"similarity"`
	ResourceID      string  `json:"resourceId"`
	ResourceContent string  `json:"resourceContent"`
	Distance        float64 `json:"distance"`
}
