package zipcore_test

import (
	"bytes"
	"fmt"
	"log"

	"github.com/martin-sucha/zipcore"
)

func Example() {
	ar, err := zipcore.OpenInMemory(nil, zipcore.AccessModeCreate)
	if err != nil {
		log.Fatal(err)
	}

	content := []byte("hello, zipcore")
	if _, err := ar.AddFile("greeting.txt", uint64(len(content)), bytes.NewReader(content), nil); err != nil {
		log.Fatal(err)
	}

	entry, err := ar.Get("greeting.txt")
	if err != nil {
		log.Fatal(err)
	}

	var out bytes.Buffer
	if _, err := ar.Extract(entry, func(chunk []byte) error {
		_, err := out.Write(chunk)
		return err
	}, nil); err != nil {
		log.Fatal(err)
	}

	fmt.Println(out.String())
	// Output: hello, zipcore
}
