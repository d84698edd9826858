package etreeutils

import (
	"encoding/xml"

	"github.com/beevik/etree"
)

// NSUnmarshalElement unmarshals el into v with encoding/xml after making
// every binding of ctx explicit on a detached copy.
func NSUnmarshalElement(ctx NSContext, el *etree.Element, v interface{}) error {
	detached, err := NSDetatch(ctx, el)
	if err != nil {
		return err
	}

	doc := etree.NewDocument()
	doc.SetRoot(detached)
	data, err := doc.WriteToBytes()
	if err != nil {
		return err
	}

	return xml.Unmarshal(data, v)
}
