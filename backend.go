package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mqy/minichat/account"
	"github.com/mqy/minichat/store"
)

const (
	storeMemory = "memory"
	storeBolt   = "bolt"
	storeMysql  = "mysql"
	storeMongo  = "mongo"
)

// backends holds the chat store, the account directory and the clients they
// share.
type backends struct {
	store     store.IChatStore
	directory account.Directory

	db          *sql.DB
	mongoClient *mongo.Client
}

func openBackends(ctx context.Context) (*backends, error) {
	b := &backends{}
	if err := b.open(ctx); err != nil {
		b.close()
		return nil, err
	}
	return b, nil
}

func (b *backends) open(ctx context.Context) (err error) {
	if *flagStore == storeMysql || *flagDirectory == storeMysql {
		if b.db, err = openMysql(ctx, *flagMysqlDsn); err != nil {
			return err
		}
	}
	if *flagStore == storeMongo || *flagDirectory == storeMongo {
		if b.mongoClient, err = openMongo(ctx, *flagMongoUri); err != nil {
			return err
		}
	}

	switch *flagStore {
	case storeMemory:
		b.store = store.NewMemoryStore()
	case storeBolt:
		s, err := store.NewBoltStore(*flagBoltPath)
		if err != nil {
			return err
		}
		b.store = s
	case storeMysql:
		s := store.NewMySQLStore(b.db)
		if err = s.Migrate(ctx); err != nil {
			return err
		}
		b.store = s
	case storeMongo:
		s := store.NewMongoStore(b.mongoClient.Database(*flagMongoDb))
		if err = s.EnsureIndexes(ctx); err != nil {
			return err
		}
		b.store = s
	}
	glog.Infof("chat store: %s", *flagStore)

	switch *flagDirectory {
	case storeMemory:
		if b.directory, err = account.LoadYAML(*flagAccounts); err != nil {
			return err
		}
	case storeMysql:
		b.directory = account.NewMySQLDirectory(b.db)
	case storeMongo:
		b.directory = account.NewMongoDirectory(b.mongoClient.Database(*flagMongoDb))
	}
	glog.Infof("account directory: %s", *flagDirectory)

	return nil
}

func openMysql(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open error: %v", err)
	}

	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql ping error: %v", err)
	}
	return db, nil
}

func openMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect error: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping error: %v", err)
	}
	return client, nil
}

func (b *backends) close() {
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			glog.Errorf("close chat store: %v", err)
		}
	}
	// MySQLStore owns the db once created.
	if _, owned := b.store.(*store.MySQLStore); b.db != nil && !owned {
		_ = b.db.Close()
	}
	if b.mongoClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = b.mongoClient.Disconnect(ctx)
	}
}
