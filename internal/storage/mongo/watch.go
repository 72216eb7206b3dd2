package mongo

import (
	"context"
	"log"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/codetrek/replix/internal/storage"
)

// AddChangeListener registers fn for every subsequent document change. The
// first listener starts a change-stream watcher on the documents collection;
// it requires MongoDB to run as a replica set.
func (b *Backend) AddChangeListener(fn func(storage.Change)) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextToken++
	b.listeners[b.nextToken] = fn
	if b.watchStop == nil {
		ctx, cancel := context.WithCancel(context.Background())
		b.watchStop = cancel
		go b.watch(ctx)
	}
	return b.nextToken
}

func (b *Backend) RemoveChangeListener(token int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, token)
}

// watch tails the change stream and fans decoded changes out to listeners.
// The stream is reopened on error until the backend closes.
func (b *Backend) watch(ctx context.Context) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType": bson.M{"$in": bson.A{"insert", "replace", "update"}},
		}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	for ctx.Err() == nil {
		stream, err := b.docColl.Watch(ctx, pipeline, opts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Storage] Failed to open change stream: %v", err)
			return
		}
		for stream.Next(ctx) {
			var event struct {
				FullDocument storage.Document `bson:"fullDocument"`
			}
			if err := stream.Decode(&event); err != nil {
				log.Printf("[Storage] Failed to decode change event: %v", err)
				continue
			}
			b.notify(changeFor(&event.FullDocument))
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			log.Printf("[Storage] Change stream interrupted, reopening: %v", err)
		}
		stream.Close(context.Background())
	}
}

func (b *Backend) notify(change storage.Change) {
	b.mu.Lock()
	fns := make([]func(storage.Change), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}
