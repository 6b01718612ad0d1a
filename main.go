package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"chatsync/blob"
	"chatsync/config"
	"chatsync/crypto"
	"chatsync/discovery"
	"chatsync/engine"
	"chatsync/models"
	"chatsync/realtime"
	"chatsync/remote"
	"chatsync/storage"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	key, err := crypto.EnsureContentKey(cfg.ContentKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing content key: %v", err)
	}
	protector, err := crypto.NewProtector(key)
	if err != nil {
		log.Fatalf("startup failed while creating content protector: %v", err)
	}

	fmt.Printf("User ID:         %s\n", cfg.UserID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening cache database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("cache close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("startup failed while reaching remote store at %s: %v", cfg.RedisAddr, err)
	}
	feed := remote.NewFeed(redisClient)
	fmt.Printf("Remote Store:    %s\n", cfg.RedisAddr)

	roomsFeed, err := feed.SubscribeRooms(ctx)
	if err != nil {
		log.Printf("rooms subscription failed, rooms list may go stale: %v", err)
	} else {
		go mirrorRooms(store, roomsFeed)
	}

	var uploader blob.Uploader
	if cfg.BlobEndpoint != "" {
		minioStore, err := blob.NewMinioStore(cfg.BlobEndpoint, cfg.BlobAccessKey, cfg.BlobSecretKey, cfg.BlobBucket, cfg.BlobUseSSL)
		if err != nil {
			log.Printf("blob store unavailable, file sends disabled: %v", err)
		} else {
			uploader = minioStore
			fmt.Printf("Blob Store:      %s/%s\n", cfg.BlobEndpoint, cfg.BlobBucket)
		}
	}

	roomID := ""
	if len(os.Args) > 1 {
		roomID = os.Args[1]
	}

	channel := realtime.NewChannel()
	endpoint := cfg.RealtimeEndpoint
	if endpoint == config.RealtimeEndpointAuto {
		resolved, err := discovery.ResolveRelay(ctx, discovery.Config{})
		if err != nil {
			log.Printf("relay discovery failed, realtime disabled: %v", err)
			endpoint = ""
		} else {
			endpoint = resolved
		}
	}
	var engineChannel engine.Channel
	if endpoint != "" && roomID != "" {
		if err := channel.Connect(ctx, endpoint, roomID); err != nil {
			log.Printf("realtime connect to %s failed, continuing without it: %v", endpoint, err)
		} else {
			engineChannel = channel
			defer channel.Disconnect()
			fmt.Printf("Realtime Relay:  %s\n", endpoint)
		}
	}

	syncEngine, err := engine.New(feed, engineChannel, store, uploader, protector)
	if err != nil {
		log.Fatalf("startup failed while building sync engine: %v", err)
	}

	if roomID != "" {
		updates, err := syncEngine.Observe(ctx, roomID)
		if err != nil {
			log.Fatalf("startup failed while observing room %s: %v", roomID, err)
		}
		fmt.Printf("Observing Room:  %s\n", roomID)
		go logRoomUpdates(roomID, updates)
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

// mirrorRooms keeps the offline rooms list current with the remote set.
func mirrorRooms(store *storage.Store, batches <-chan remote.RoomsBatch) {
	for batch := range batches {
		if batch.Err != nil {
			log.Printf("rooms feed failed: %v", batch.Err)
			return
		}
		if err := store.SaveRooms(batch.Rooms); err != nil {
			log.Printf("rooms cache write failed: %v", err)
		}
	}
}

func logRoomUpdates(roomID string, updates <-chan []models.Message) {
	for list := range updates {
		degraded := 0
		for _, msg := range list {
			if msg.Degraded {
				degraded++
			}
		}
		log.Printf("room %s: %d messages (%d degraded)", roomID, len(list), degraded)
	}
}
