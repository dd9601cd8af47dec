package auditRepo

import (
	"context"

	"slotwatch/database"
	"slotwatch/models"

	"go.mongodb.org/mongo-driver/mongo"
)

// BookingAuditRepository archives terminal booking outcomes for later inspection.
type BookingAuditRepository interface {
	Create(ctx context.Context, record models.BookingRecord) (string, error)
	GetByID(ctx context.Context, id string) (*models.BookingRecord, error)
	GetByPupilID(ctx context.Context, pupilID string) ([]models.BookingRecord, error)
	ListRecent(ctx context.Context, limit int64) ([]models.BookingRecord, error)
}

type mongoAuditRepo struct {
	coll *mongo.Collection
}

// NewMongoAuditRepo returns a new BookingAuditRepository instance using MongoDB.
func NewMongoAuditRepo() BookingAuditRepository {
	db := database.MongoClient.Database("slotwatch")
	return &mongoAuditRepo{
		coll: db.Collection("booking_records"),
	}
}
