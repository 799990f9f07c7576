// vectorcache converts GloVe text vectors into the safetensors vector cache read by train.
//
//	vectorcache -glove glove.840B.300d.txt -out data/sq_glove300d.safetensors
package main

import (
	"flag"

	"github.com/gomlx/go-entitydetection/embeddings"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()
	var glovePath, outPath string
	var force bool
	flag.StringVar(&glovePath, "glove", "", "GloVe text vectors file")
	flag.StringVar(&outPath, "out", "data/sq_glove300d.safetensors", "Vector cache to create")
	flag.BoolVar(&force, "force", false, "Rebuild the cache even if it already exists")
	flag.Parse()
	if glovePath == "" {
		klog.Exitf("Required flag: -glove. See -help.")
	}
	cache, err := embeddings.BuildCache(glovePath, outPath, force)
	if err != nil {
		klog.Exitf("%+v", err)
	}
	klog.Infof("Vector cache %q: %d tokens of dimension %d", outPath, cache.Len(), cache.Dim())
}
